package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SetupTestDB는 MONGODB_URI 환경 변수가 가리키는 서버에 고유한 테스트 데이터베이스를 만듭니다.
// 환경 변수가 없거나 서버에 연결할 수 없으면 테스트를 건너뜁니다.
// 반환된 정리 함수는 데이터베이스를 삭제하고 연결을 닫습니다.
func SetupTestDB(t *testing.T) (*mongo.Client, *mongo.Database, func()) {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("MongoDB not available: %v", err)
	}

	dbName := fmt.Sprintf("oplogsync_test_%d", time.Now().UnixNano())
	db := client.Database(dbName)

	cleanup := func() {
		ctx := context.Background()
		assert.NoError(t, db.Drop(ctx))
		assert.NoError(t, client.Disconnect(ctx))
	}
	return client, db, cleanup
}

// RedisAddr는 REDIS_ADDR 환경 변수를 반환합니다. 없으면 테스트를 건너뜁니다.
func RedisAddr(t *testing.T) string {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return addr
}

// WaitForCondition은 지정된 조건이 충족될 때까지 대기합니다.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for condition: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
