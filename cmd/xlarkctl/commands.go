package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xlark/pkg/business/xapi"
	"github.com/omeyang/xlark/pkg/business/xcred"
)

// 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createTokenCommand(),
		createCallCommand(),
		createTicketCommand(),
		createLoginCommand(),
	}
}

// createTokenCommand 创建 token 子命令。
func createTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "获取 Token",
		ArgsUsage: "[app|tenant|user]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant-key", Usage: "商店应用的租户 key"},
			&cli.StringFlag{Name: "user-id", Usage: "用户 open_id"},
			&cli.BoolFlag{Name: "reveal", Usage: "输出完整 Token（默认掩码）"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kind := xcred.KindTenant
			if cmd.Args().Len() > 1 {
				return newUsageError("token 最多接受一个参数")
			}
			if arg := cmd.Args().First(); arg != "" {
				k, err := xcred.ParseKind(arg)
				if err != nil {
					return newUsageError("%v", err)
				}
				kind = k
			}

			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			tok, err := s.client.Token(ctx, kind, cmd.String("tenant-key"), cmd.String("user-id"))
			if err != nil {
				return err
			}
			return printToken(cmd.Root().Writer, tok, cmd.Bool("reveal"), time.Now())
		},
	}
}

// printToken 输出 Token 摘要。
func printToken(w io.Writer, tok *xcred.Token, reveal bool, now time.Time) error {
	value := xcred.MaskToken(tok.Value)
	if reveal {
		value = tok.Value
	}
	out := map[string]any{
		"kind":  tok.Kind.String(),
		"scope": tok.ScopeKey,
		"token": value,
	}
	if !tok.ExpiresAt.IsZero() {
		out["expires_at"] = tok.ExpiresAt.Format(time.RFC3339)
		out["ttl"] = tok.TTL(now).Round(time.Second).String()
	}
	return writeJSON(w, out)
}

// createCallCommand 创建 call 子命令。
func createCallCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "调用开放平台接口",
		ArgsUsage: "<METHOD> <PATH>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "JSON 请求体，@file 表示从文件读取，@- 表示标准输入"},
			&cli.StringSliceFlag{Name: "query", Aliases: []string{"q"}, Usage: "查询参数 key=value，可重复"},
			&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "路径参数 name=value，可重复"},
			&cli.StringFlag{Name: "as", Usage: "可接受的凭据类型，按优先级逗号分隔", Value: "tenant"},
			&cli.StringFlag{Name: "tenant-key", Usage: "商店应用的租户 key"},
			&cli.StringFlag{Name: "user-id", Usage: "用户 open_id"},
			&cli.StringFlag{Name: "user-token", Usage: "直接使用的 user_access_token"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req, err := buildCallRequest(cmd, cmd.Root().Reader)
			if err != nil {
				return err
			}

			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			env, err := s.client.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			return writeRaw(cmd.Root().Writer, env.Data)
		},
	}
}

// buildCallRequest 从参数与 flag 组装请求。
func buildCallRequest(cmd *cli.Command, stdin io.Reader) (*xapi.Request, error) {
	if cmd.Args().Len() != 2 {
		return nil, newUsageError("call 需要 <METHOD> <PATH> 两个参数")
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	path := cmd.Args().Get(1)

	kinds, err := parseKinds(cmd.String("as"))
	if err != nil {
		return nil, err
	}
	opts := []xapi.RequestOption{
		xapi.WithKinds(kinds...),
		xapi.WithTenantKey(cmd.String("tenant-key")),
		xapi.WithUserID(cmd.String("user-id")),
		xapi.WithUserAccessToken(cmd.String("user-token")),
	}

	for _, kv := range cmd.StringSlice("query") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, newUsageError("无效的 --query %q，应为 key=value", kv)
		}
		opts = append(opts, xapi.WithQuery(k, v))
	}
	for _, kv := range cmd.StringSlice("param") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, newUsageError("无效的 --param %q，应为 name=value", kv)
		}
		opts = append(opts, xapi.WithPathParam(k, v))
	}

	if data := cmd.String("data"); data != "" {
		body, err := readBody(data, stdin)
		if err != nil {
			return nil, err
		}
		if !json.Valid(body) {
			return nil, newUsageError("--data 不是合法的 JSON")
		}
		opts = append(opts, xapi.WithBody(body))
	}
	return xapi.NewRequest(method, path, opts...), nil
}

// parseKinds 解析逗号分隔的凭据类型列表。
func parseKinds(s string) ([]xcred.Kind, error) {
	var kinds []xcred.Kind
	for part := range strings.SplitSeq(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := xcred.ParseKind(part)
		if err != nil {
			return nil, newUsageError("%v", err)
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return nil, newUsageError("--as 不能为空")
	}
	return kinds, nil
}

// readBody 读取请求体：@- 为标准输入，@path 为文件，其余为字面值。
func readBody(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "@-":
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("read request body failed: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}

// createTicketCommand 创建 ticket 子命令。
func createTicketCommand() *cli.Command {
	return &cli.Command{
		Name:      "ticket",
		Usage:     "保存平台推送的 app ticket（商店应用）",
		ArgsUsage: "<app_ticket>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ticket := cmd.Args().First()
			if ticket == "" || cmd.Args().Len() != 1 {
				return newUsageError("ticket 需要一个 <app_ticket> 参数")
			}
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.SetAppTicket(ctx, ticket); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, "app ticket saved")
			return nil
		},
	}
}

// createLoginCommand 创建 login 子命令。
func createLoginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "保存用户授权得到的 refresh token",
		ArgsUsage: "<user_id> <refresh_token>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Usage: "refresh token 有效期，0 表示不过期"},
			&cli.BoolFlag{Name: "verify", Usage: "保存后立即换取一次 user_access_token"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return newUsageError("login 需要 <user_id> <refresh_token> 两个参数")
			}
			userID, refreshToken := cmd.Args().Get(0), cmd.Args().Get(1)

			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.SaveRefreshToken(ctx, userID, refreshToken, cmd.Duration("ttl")); err != nil {
				return err
			}
			if !cmd.Bool("verify") {
				fmt.Fprintln(cmd.Root().Writer, "refresh token saved")
				return nil
			}
			tok, err := s.client.Token(ctx, xcred.KindUser, "", userID)
			if err != nil {
				return err
			}
			return printToken(cmd.Root().Writer, tok, false, time.Now())
		},
	}
}

// writeJSON 缩进输出 v。
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeRaw 缩进输出原始 JSON，非 JSON 原样输出。
func writeRaw(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
