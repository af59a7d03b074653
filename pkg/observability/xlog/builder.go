package xlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 轮转默认值
const (
	// DefaultMaxSizeMB 默认单个日志文件最大大小（MB）
	DefaultMaxSizeMB = 100

	// DefaultMaxBackups 默认保留的备份文件数量
	DefaultMaxBackups = 5

	// DefaultMaxAgeDays 默认保留备份的天数
	DefaultMaxAgeDays = 14
)

// ErrEmptyFilename 表示轮转文件名为空。
var ErrEmptyFilename = errors.New("xlog: rotation filename is empty")

// Rotation 日志文件轮转配置，零值字段使用默认值。
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Builder 日志配置构建器
//
// 遇到第一个配置错误后，后续 Set 操作不再覆盖该错误，由 Build 返回。
type Builder struct {
	output      io.Writer
	levelVar    *slog.LevelVar
	format      string
	addSource   bool
	redact      bool
	replaceAttr ReplaceAttrFunc
	rotator     *lumberjack.Logger
	err         error
}

// New 创建配置构建器。默认输出到 stderr、Info 级别、text 格式，并开启脱敏。
func New() *Builder {
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	return &Builder{
		output:   os.Stderr,
		levelVar: levelVar,
		format:   "text",
		redact:   true,
	}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// SetOutput 设置日志输出目标
func (b *Builder) SetOutput(w io.Writer) *Builder {
	if w != nil {
		b.output = w
	}
	return b
}

// SetLevel 设置日志级别
func (b *Builder) SetLevel(level Level) *Builder {
	b.levelVar.Set(level.Slog())
	return b
}

// SetLevelString 通过字符串设置日志级别
func (b *Builder) SetLevelString(s string) *Builder {
	level, err := ParseLevel(s)
	if err != nil {
		return b.fail(err)
	}
	return b.SetLevel(level)
}

// SetFormat 设置输出格式：text 或 json
func (b *Builder) SetFormat(format string) *Builder {
	normalized := strings.ToLower(strings.TrimSpace(format))
	switch normalized {
	case "":
		b.format = "text"
	case "text", "json":
		b.format = normalized
	default:
		return b.fail(fmt.Errorf("xlog: unknown format %q", format))
	}
	return b
}

// SetAddSource 是否在日志中添加源码位置
func (b *Builder) SetAddSource(enable bool) *Builder {
	b.addSource = enable
	return b
}

// SetRedact 是否对 token/secret 类属性脱敏，默认开启。
func (b *Builder) SetRedact(enable bool) *Builder {
	b.redact = enable
	return b
}

// SetReplaceAttr 设置属性替换函数，在脱敏之前执行。
func (b *Builder) SetReplaceAttr(fn ReplaceAttrFunc) *Builder {
	b.replaceAttr = fn
	return b
}

// SetRotation 输出到按大小轮转的日志文件
func (b *Builder) SetRotation(filename string, r Rotation) *Builder {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return b.fail(ErrEmptyFilename)
	}
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = DefaultMaxSizeMB
	}
	if r.MaxBackups < 0 {
		r.MaxBackups = DefaultMaxBackups
	}
	if r.MaxAgeDays < 0 {
		r.MaxAgeDays = DefaultMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return b.fail(fmt.Errorf("xlog: create log directory failed: %w", err))
	}
	b.rotator = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
	b.output = b.rotator
	return b
}

// Build 构建 Logger
//
// 返回值：
//   - *slog.Logger: 日志实例
//   - *slog.LevelVar: 动态级别控制
//   - func() error: 清理函数，关闭轮转文件，重复调用安全
//   - error: 配置错误
func (b *Builder) Build() (*slog.Logger, *slog.LevelVar, func() error, error) {
	if b.err != nil {
		return nil, nil, nil, b.err
	}

	opts := &slog.HandlerOptions{
		Level:     b.levelVar,
		AddSource: b.addSource,
	}
	var fns []ReplaceAttrFunc
	if b.replaceAttr != nil {
		fns = append(fns, b.replaceAttr)
	}
	if b.redact {
		fns = append(fns, RedactSecrets)
	}
	if len(fns) > 0 {
		opts.ReplaceAttr = chainReplace(fns...)
	}

	var handler slog.Handler
	switch b.format {
	case "json":
		handler = slog.NewJSONHandler(b.output, opts)
	default:
		handler = slog.NewTextHandler(b.output, opts)
	}

	return slog.New(handler), b.levelVar, b.cleanup(), nil
}

func (b *Builder) cleanup() func() error {
	var once sync.Once
	rotator := b.rotator
	return func() error {
		var err error
		once.Do(func() {
			if rotator != nil {
				err = rotator.Close()
			}
		})
		return err
	}
}
