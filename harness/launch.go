package harness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/node"
)

// DialFunc opens a client for a node.
type DialFunc func(cfg node.ConnConfig) (node.Client, error)

// DialRPC opens a bitcoind JSON-RPC client.
func DialRPC(cfg node.ConnConfig) (node.Client, error) {
	return node.Dial(cfg)
}

// walletLoader is implemented by clients of nodes that may start without a
// loaded wallet.
type walletLoader interface {
	EnsureWallet(name string) error
}

// Launcher starts node processes, each in its own data dir with its own
// ports.
type Launcher struct {
	BinaryPath string
	// BaseDir holds one data dir per node. It is wiped per node on launch.
	BaseDir string
	// BasePort is the P2P port of node 0; node i uses BasePort+2i for P2P
	// and BasePort+2i+1 for RPC.
	BasePort int
	RPCUser  string
	RPCPass  string
	// ReadyTimeout bounds the wait for a node's RPC server.
	ReadyTimeout time.Duration
	// StopTimeout bounds the wait for a node to exit after the stop RPC
	// before it is killed.
	StopTimeout time.Duration
	Dial        DialFunc
	Logger      *slog.Logger
}

// NewLauncher creates a Launcher with regtest defaults.
func NewLauncher(binaryPath, baseDir string, logger *slog.Logger) *Launcher {
	return &Launcher{
		BinaryPath:   binaryPath,
		BaseDir:      baseDir,
		BasePort:     18600,
		RPCUser:      "changebench",
		RPCPass:      "changebench",
		ReadyTimeout: time.Minute,
		StopTimeout:  30 * time.Second,
		Dial:         DialRPC,
		Logger:       logger,
	}
}

type process struct {
	cmd     *exec.Cmd
	logFile *os.File
	dataDir string
	done    chan struct{}
	err     error
}

// Launch starts the node and waits until its RPC server answers. Nodes
// with an RPCHost are attached instead.
func (l *Launcher) Launch(ctx context.Context, index int, role Role, cfg NodeConfig) (*Node, error) {
	n := &Node{Index: index, Role: role, Config: cfg}
	logger := l.Logger.With(slog.Int("node", index), slog.String("role", role.String()))

	if cfg.RPCHost != "" {
		n.Endpoint = cfg.RPCHost
		n.P2PAddr = cfg.P2PHost

		if err := l.connect(ctx, n, cfg.RPCUser, cfg.RPCPass, nil); err != nil {
			return nil, err
		}

		logger.InfoContext(ctx, "attached to node", slog.String("endpoint", n.Endpoint))

		return n, nil
	}

	dataDir := filepath.Join(l.BaseDir, "node"+strconv.Itoa(index))

	if err := os.RemoveAll(dataDir); err != nil {
		return nil, errors.Wrapf(err, "clean data dir %s", dataDir)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dataDir)
	}

	p2pPort := l.BasePort + 2*index
	rpcPort := p2pPort + 1
	n.Endpoint = net.JoinHostPort("127.0.0.1", strconv.Itoa(rpcPort))
	n.P2PAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(p2pPort))

	logFile, err := os.Create(filepath.Join(dataDir, "node.log"))
	if err != nil {
		return nil, errors.Wrap(err, "create node log")
	}

	args := cfg.Args(dataDir, p2pPort, rpcPort, l.RPCUser, l.RPCPass)

	// Not bound to ctx: the node outlives the step that launched it and is
	// stopped through Close.
	cmd := exec.Command(l.BinaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	logger.InfoContext(ctx, "starting node",
		slog.String("binary", l.BinaryPath),
		slog.String("data_dir", dataDir),
		slog.Any("args", args),
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()

		return nil, errors.Wrapf(err, "start node %d", index)
	}

	proc := &process{cmd: cmd, logFile: logFile, dataDir: dataDir, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	n.proc = proc

	if err := l.connect(ctx, n, l.RPCUser, l.RPCPass, proc); err != nil {
		l.kill(n)
		logFile.Close()

		return nil, errors.Wrapf(err, "node %d not ready, see %s", index, logFile.Name())
	}

	logger.InfoContext(ctx, "node ready", slog.String("endpoint", n.Endpoint))

	return n, nil
}

func (l *Launcher) connect(ctx context.Context, n *Node, user, pass string, proc *process) error {
	client, err := l.Dial(node.ConnConfig{
		Name:   fmt.Sprintf("node%d", n.Index),
		Host:   n.Endpoint,
		User:   user,
		Pass:   pass,
		Legacy: n.Config.LegacyRPC,
	})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = l.ReadyTimeout

	ready := func() error {
		if proc != nil {
			select {
			case <-proc.done:
				return backoff.Permanent(errors.Errorf("node exited: %v", proc.err))
			default:
			}
		}

		_, err := client.GetBlockCount()

		return err
	}

	if err := backoff.Retry(ready, backoff.WithContext(b, ctx)); err != nil {
		client.Close()

		return err
	}

	// Legacy builds always load their default wallet.
	if w, ok := client.(walletLoader); ok && !n.Config.LegacyRPC {
		if err := w.EnsureWallet(node.DefaultWallet); err != nil {
			client.Close()

			return errors.Wrap(err, "load wallet")
		}
	}

	n.Client = client

	return nil
}

// Stop shuts the node down. Attached nodes only lose their client.
func (l *Launcher) Stop(n *Node) error {
	if n.proc == nil {
		if n.Client != nil {
			n.Client.Close()
		}

		return nil
	}

	stopErr := n.Client.Stop()
	n.Client.Close()

	select {
	case <-n.proc.done:
	case <-time.After(l.StopTimeout):
		l.Logger.Warn("node did not stop, killing", slog.Int("node", n.Index))
		l.kill(n)
	}

	n.proc.logFile.Close()

	if stopErr != nil {
		return errors.Wrapf(stopErr, "stop node %d", n.Index)
	}

	return nil
}

func (l *Launcher) kill(n *Node) {
	if err := n.proc.cmd.Process.Kill(); err != nil {
		l.Logger.Warn("failed to kill node",
			slog.Int("node", n.Index),
			slog.String("error", err.Error()),
		)
	}

	<-n.proc.done
}
