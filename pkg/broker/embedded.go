package broker

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNATS runs a NATS server in-process. Single-binary deployments and
// integration tests get a real broker without an external dependency.
type EmbeddedNATS struct {
	srv *natsserver.Server
}

// EmbeddedNATSConfig configures the in-process server.
type EmbeddedNATSConfig struct {
	// Host defaults to 127.0.0.1.
	Host string
	// Port 0 picks a random free port.
	Port int
	// JetStream enables persistence features (unused by the engine, handy
	// for co-hosted consumers).
	JetStream bool
	// StoreDir is the JetStream storage directory.
	StoreDir string
}

// StartEmbeddedNATS boots the server and waits until it accepts connections.
func StartEmbeddedNATS(cfg EmbeddedNATSConfig) (*EmbeddedNATS, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}

	opts := &natsserver.Options{
		Host:      host,
		Port:      port,
		JetStream: cfg.JetStream,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
		NoLog:     true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: embedded nats: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("broker: embedded nats did not become ready")
	}
	return &EmbeddedNATS{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedNATS) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedNATS) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
