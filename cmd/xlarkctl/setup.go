package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xlark/pkg/business/xapi"
	"github.com/omeyang/xlark/pkg/business/xcred"
	"github.com/omeyang/xlark/pkg/observability/xlog"
)

// 全局 flag 名称。
const (
	flagConfig    = "config"
	flagSection   = "section"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagLogFile   = "log-file"
	flagRedisAddr = "redis-addr"
	flagKeyring   = "keyring"
)

// session 命令执行期间持有的资源。
type session struct {
	client  *xapi.Client
	logger  *slog.Logger
	closers []func() error
}

// Close 按创建的逆序释放资源。
func (s *session) Close() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// setup 根据全局 flag 构建日志、存储与客户端。
func setup(cmd *cli.Command) (*session, error) {
	path := cmd.String(flagConfig)
	if path == "" {
		return nil, newUsageError("缺少 --config")
	}

	s := &session{}
	logger, err := buildLogger(cmd, cmd.Root().ErrWriter)
	if err != nil {
		return nil, newUsageError("%v", err)
	}
	s.logger = logger.logger
	s.closers = append(s.closers, logger.cleanup)

	cfg, err := xapi.LoadConfig(path, cmd.String(flagSection))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	clientOpts := []xapi.Option{xapi.WithLogger(s.logger)}
	storeOpts, err := s.stores(cmd)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	clientOpts = append(clientOpts, storeOpts...)

	client, err := xapi.NewClient(cfg, clientOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.client = client
	s.logger.Debug("xlarkctl: client ready", slog.String("config", cfg.String()))
	return s, nil
}

type builtLogger struct {
	logger  *slog.Logger
	cleanup func() error
}

func buildLogger(cmd *cli.Command, stderr io.Writer) (builtLogger, error) {
	b := xlog.New().
		SetLevelString(cmd.String(flagLogLevel)).
		SetFormat(cmd.String(flagLogFormat))
	if stderr != nil {
		b.SetOutput(stderr)
	}
	if file := cmd.String(flagLogFile); file != "" {
		b.SetRotation(file, xlog.Rotation{})
	}
	logger, _, cleanup, err := b.Build()
	if err != nil {
		return builtLogger{}, err
	}
	return builtLogger{logger: logger, cleanup: cleanup}, nil
}

// stores 选择 refresh token 与 app ticket 的存储。
// --keyring 优先用于 refresh token；--redis-addr 同时承载两者。
func (s *session) stores(cmd *cli.Command) ([]xapi.Option, error) {
	var opts []xapi.Option
	if addr := cmd.String(flagRedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		s.closers = append(s.closers, rdb.Close)
		store, err := xcred.NewRedisStore(rdb)
		if err != nil {
			return nil, fmt.Errorf("create redis store failed: %w", err)
		}
		opts = append(opts, xapi.WithRefreshTokenStore(store), xapi.WithAppTicketStore(store))
	}
	if cmd.Bool(flagKeyring) {
		opts = append(opts, xapi.WithRefreshTokenStore(xcred.NewKeyringStore(xcred.DefaultKeyringService)))
	}
	return opts, nil
}
