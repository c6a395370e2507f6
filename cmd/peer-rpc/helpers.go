package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
	"peer-rpc/middleware"
	"peer-rpc/node"
	"peer-rpc/registry"
	"peer-rpc/scope"
	"peer-rpc/transport"
)

func resolveLogLevel(cmd *cobra.Command) (zapcore.Level, error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		return zapcore.DebugLevel, nil
	}
	raw, _ := cmd.Flags().GetString("log-level")
	level, err := zapcore.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", raw, err)
	}
	return level, nil
}

func loggerFromCmd(cmd *cobra.Command) (*zap.Logger, error) {
	level, err := resolveLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())),
		level,
	)
	return zap.New(core), nil
}

// parsePeers turns "id=host:port" flags into registry instances.
func parsePeers(raw []string) ([]registry.Instance, error) {
	out := make([]registry.Instance, 0, len(raw))
	for _, item := range raw {
		id, addr, ok := strings.Cut(strings.TrimSpace(item), "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid --peer %q: want id=host:port", item)
		}
		out = append(out, registry.Instance{PeerID: id, Addr: addr})
	}
	return out, nil
}

func registryFromCmd(cmd *cobra.Command, logger *zap.Logger) (registry.Registry, error) {
	endpoints, _ := cmd.Flags().GetStringSlice("etcd")
	raw, _ := cmd.Flags().GetStringArray("peer")
	peers, err := parsePeers(raw)
	if err != nil {
		return nil, err
	}
	if len(endpoints) > 0 {
		if len(peers) > 0 {
			return nil, fmt.Errorf("--etcd and --peer are mutually exclusive")
		}
		return registry.NewEtcdRegistry(endpoints, logger)
	}
	return registry.NewStaticRegistry(peers...), nil
}

// parseArgs reads every positional argument as a JSON value. Anything that
// is not valid JSON is passed as a string, so `echo hello` works unquoted.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, item := range raw {
		var v any
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			v = item
		}
		args = append(args, v)
	}
	return args
}

type nodeOptions struct {
	id        string
	listen    string
	advertise string

	logRequests  bool
	rateLimit    float64 // Requests per second served; 0 is unlimited
	rateBurst    int
	serveTimeout time.Duration // 0 leaves requests to the caller's timeout
}

func (o nodeOptions) middlewares(logger *zap.Logger) []middleware.Middleware {
	var mws []middleware.Middleware
	if o.logRequests {
		mws = append(mws, middleware.LoggingMiddleware(logger.Named("requests")))
	}
	if o.rateLimit > 0 {
		burst := o.rateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(o.rateLimit, burst))
	}
	if o.serveTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(o.serveTimeout))
	}
	return mws
}

// cliNode is a node plus what has to be closed with it.
type cliNode struct {
	*node.Node
	provider *transport.TCPProvider
	registry registry.Registry
	logger   *zap.Logger
}

func (c *cliNode) Close() error {
	err := c.Node.Close()
	if cerr := c.registry.Close(); err == nil {
		err = cerr
	}
	_ = c.logger.Sync()
	return err
}

func newNodeFromCmd(cmd *cobra.Command, sc *scope.Scope, opts nodeOptions) (*cliNode, error) {
	logger, err := loggerFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	reg, err := registryFromCmd(cmd, logger)
	if err != nil {
		return nil, err
	}
	codecName, _ := cmd.Flags().GetString("codec")
	ct, err := codec.ParseCodecType(codecName)
	if err != nil {
		reg.Close()
		return nil, err
	}
	balancerName, _ := cmd.Flags().GetString("balancer")
	bal, err := loadbalance.New(balancerName)
	if err != nil {
		reg.Close()
		return nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	debug, _ := cmd.Flags().GetBool("debug")

	id := opts.id
	if id == "" {
		id = "cli-" + uuid.NewString()
	}
	tcpOpts := transport.TCPOptions{
		ListenAddr:    opts.listen,
		AdvertiseAddr: opts.advertise,
		Balancer:      bal,
		Codec:         ct,
		Logger:        logger,
		Registry:      reg,
	}
	provider := transport.NewTCPProvider(id, tcpOpts)
	n, err := node.New(id, sc, provider, node.Config{
		Timeout:     timeout,
		Debug:       debug,
		Logger:      logger,
		Middlewares: opts.middlewares(logger),
	})
	if err != nil {
		reg.Close()
		return nil, err
	}
	c := &cliNode{Node: n, provider: provider, registry: reg, logger: logger}
	if opts.listen != "" {
		if err := provider.Listen(cmd.Context()); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
