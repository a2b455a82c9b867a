// Package testutil는 oplogsync 패키지 테스트에서 공통으로 사용하는 도구를 제공합니다.
package testutil

import (
	"flag"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DefaultLogLevel은 기본 로그 레벨입니다.
	DefaultLogLevel = zapcore.WarnLevel

	// logLevel은 명령줄 플래그로 지정할 수 있는 로그 레벨입니다.
	logLevel string

	mu           sync.Mutex
	globalLogger *zap.Logger
)

func init() {
	flag.StringVar(&logLevel, "loglevel", "", "로그 레벨 설정 (debug, info, warn, error)")
}

// parseLevel은 문자열을 로그 레벨로 변환합니다. 알 수 없는 값이면 기본 레벨을 사용합니다.
func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return DefaultLogLevel
	}
}

// configuredLevel은 플래그, 환경 변수(LOG_LEVEL), 기본값 순서로 로그 레벨을 결정합니다.
func configuredLevel() zapcore.Level {
	if logLevel != "" {
		return parseLevel(logLevel)
	}
	return parseLevel(os.Getenv("LOG_LEVEL"))
}

func buildLogger(level zapcore.Level) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewLogger는 테스트에서 사용할 로거를 생성합니다.
func NewLogger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger == nil {
		globalLogger = buildLogger(configuredLevel())
	}
	return globalLogger.With(zap.String("context", "test"))
}

// SetLogLevel은 전역 로그 레벨을 동적으로 변경합니다.
func SetLogLevel(level zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = buildLogger(level)
}

// SetLogLevelFromFlag는 명령줄 플래그를 파싱하고 로그 레벨을 설정합니다.
func SetLogLevelFromFlag() {
	if !flag.Parsed() {
		flag.Parse()
	}
	SetLogLevel(configuredLevel())
}
