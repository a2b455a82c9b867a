package testutil

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMainWithLogLevel은 로그 레벨을 설정한 뒤 테스트를 실행하고, 테스트가 끝난 후
// 종료되지 않은 고루틴이 남아 있으면 실패로 처리합니다.
//
// 사용 예시:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMainWithLogLevel(m)
//	}
//
// 테스트 실행 시 로그 레벨 지정 방법:
//
//	go test ./... -loglevel=debug
func TestMainWithLogLevel(m *testing.M, options ...goleak.Option) {
	SetLogLevelFromFlag()
	goleak.VerifyTestMain(m, options...)
}
