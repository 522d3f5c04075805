// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	inst := testutil.WaitForInstance(t, engine, id, 2*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/botflow/workflow"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// ⏳ 实例等待
// =============================================================================

// InstanceGetter 按 ID 读取实例，*workflow.Engine 满足该接口
type InstanceGetter interface {
	GetFlowInstance(ctx context.Context, id string) (*workflow.FlowInstance, error)
}

// WaitForInstance 轮询直到实例进入终态，超时则测试失败。
func WaitForInstance(t *testing.T, g InstanceGetter, id string, timeout time.Duration) *workflow.FlowInstance {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var last *workflow.FlowInstance
	for time.Now().Before(deadline) {
		inst, err := g.GetFlowInstance(context.Background(), id)
		if err != nil {
			t.Fatalf("get instance %s: %v", id, err)
		}
		last = inst
		if inst.Status.IsTerminal() {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := "unknown"
	if last != nil {
		status = string(last.Status)
	}
	t.Fatalf("instance %s not terminal within %v, last status %s", id, timeout, status)
	return nil
}

// =============================================================================
// 📦 数据辅助
// =============================================================================

// MustJSON 序列化失败时 panic
func MustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Reshape 经 JSON 往返把 src 解到 dst，用于还原 any 字段
func Reshape(t *testing.T, src, dst any) {
	t.Helper()
	if err := json.Unmarshal(MustJSON(src), dst); err != nil {
		t.Fatalf("reshape: %v", err)
	}
}
