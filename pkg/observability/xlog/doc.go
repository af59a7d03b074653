// Package xlog 基于 log/slog 的结构化日志构建器。
//
// # 创建 Logger
//
//	logger, levelVar, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/xlark/xlarkctl.log", xlog.Rotation{MaxSizeMB: 50}).
//	    Build()
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//
// 返回的 *slog.Logger 可直接传给 xcred.WithLogger 与 xapi.WithLogger。
// levelVar 用于运行时调整级别。
//
// # 脱敏
//
// 默认对键名以 token、secret、ticket、authorization 结尾的字符串属性做掩码，
// 只保留首尾各 4 个字符。可通过 SetRedact(false) 关闭。
package xlog
