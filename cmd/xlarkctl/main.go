// xlarkctl 是 xlark 的命令行客户端，用于排查凭据与调用开放平台接口。
//
// 用法:
//
//	xlarkctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config      配置文件路径（.yaml/.yml/.json，环境变量 XLARK_CONFIG）
//	    --section     配置文件中的段落，例如 lark
//	    --log-level   日志级别 (debug/info/warn/error，默认: warn)
//	    --log-format  日志格式 (text/json)
//	    --log-file    日志文件路径，设置后按大小轮转
//	    --redis-addr  Redis 地址，设置后 refresh token 与 app ticket 存入 Redis
//	    --keyring     refresh token 存入系统钥匙串
//
// 命令:
//
//	token [app|tenant|user]        获取 Token
//	call <METHOD> <PATH>           调用开放平台接口并输出 data
//	ticket <app_ticket>            保存平台推送的 app ticket
//	login <user_id> <refresh>      保存用户 refresh token
//
// 退出码:
//
//	0: 成功
//	1: 执行失败
//	2: 参数错误
//
// 示例:
//
//	xlarkctl -c lark.yaml token tenant
//	xlarkctl -c lark.yaml call GET /open-apis/contact/v3/users/:user_id --param user_id=ou_xxx
//	xlarkctl -c lark.yaml --keyring login ou_xxx ur-xxx
//	xlarkctl -c lark.yaml call GET /open-apis/authen/v1/user_info --as user --user-id ou_xxx
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xlarkctl",
		Usage:   "xlark 命令行客户端",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XLARK_CONFIG"),
			},
			&cli.StringFlag{
				Name:  flagSection,
				Usage: "配置文件中的段落",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "日志级别",
				Value: "warn",
			},
			&cli.StringFlag{
				Name:  flagLogFormat,
				Usage: "日志格式 (text/json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "日志文件路径",
			},
			&cli.StringFlag{
				Name:    flagRedisAddr,
				Usage:   "Redis 地址",
				Sources: cli.EnvVars("XLARK_REDIS_ADDR"),
			},
			&cli.BoolFlag{
				Name:  flagKeyring,
				Usage: "refresh token 存入系统钥匙串",
			},
		},
		Commands: createCommands(),
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return exitCode(createApp().Run(ctx, os.Args))
}

// exitCode 将命令错误映射为退出码。
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return 2
	}
	fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	return 1
}

// usageError 参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
