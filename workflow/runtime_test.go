// 运行时驱动器测试：状态装配、空响应重试、panic 恢复。
package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bytecare/supportflow/types"
)

// fakeConversation 内存版会话来源。
type fakeConversation struct {
	ticket  *types.Ticket
	history []types.Message
}

func (f *fakeConversation) GetTicket(context.Context, string) (*types.Ticket, error) {
	return f.ticket, nil
}

func (f *fakeConversation) History(context.Context, string) ([]types.Message, error) {
	return f.history, nil
}

func driverFixture(t *testing.T, factory *stubFactory) (*Driver, *fakeConversation) {
	t.Helper()
	src := cacheFixture()
	cache := NewCache(src, factory, nil, DefaultCacheConfig(), zap.NewNop())
	require.NoError(t, cache.Initialize(context.Background()))

	conv := &fakeConversation{
		ticket: &types.Ticket{ID: "t-1", Module: "devbox", Status: types.TicketStatusOpen},
		history: []types.Message{
			{Role: types.RoleUser, Content: "登录一直报错怎么办"},
		},
	}
	driver := NewDriver(cache, conv, DriverConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}, nil, zap.NewNop())
	return driver, conv
}

func TestDriver_Respond(t *testing.T) {
	factory := newStubFactory()
	var sawQuery, sawAIUser string
	factory.on("chat", KindSmartChat, func(st *State) (*Update, error) {
		sawQuery = st.UserQuery
		sawAIUser, _ = st.Variables["aiUserId"].(string)
		return &Update{Response: StringPtr("请先检查网络配置")}, nil
	})

	driver, _ := driverFixture(t, factory)
	resp, err := driver.Respond(context.Background(), "t-1", "devbox")
	require.NoError(t, err)

	assert.Equal(t, "请先检查网络配置", resp)
	assert.Equal(t, "登录一直报错怎么办", sawQuery, "最近一条客户消息进入状态")
	assert.Equal(t, "ai-1", sawAIUser, "路由解析出的 AI 账号注入变量袋")
}

func TestDriver_RetryOnEmptyResponse(t *testing.T) {
	factory := newStubFactory()
	attempts := 0
	factory.on("chat", KindSmartChat, func(st *State) (*Update, error) {
		attempts++
		if attempts < 3 {
			return &Update{Response: StringPtr("")}, nil
		}
		return &Update{Response: StringPtr("第三次成功")}, nil
	})

	driver, _ := driverFixture(t, factory)
	resp, err := driver.Respond(context.Background(), "t-1", "devbox")
	require.NoError(t, err)
	assert.Equal(t, "第三次成功", resp)
	assert.Equal(t, 3, attempts)
}

func TestDriver_ExhaustedRetriesReturnsEmptyNotError(t *testing.T) {
	factory := newStubFactory()
	attempts := 0
	factory.on("chat", KindSmartChat, func(st *State) (*Update, error) {
		attempts++
		return &Update{Response: StringPtr("")}, nil
	})

	driver, _ := driverFixture(t, factory)
	resp, err := driver.Respond(context.Background(), "t-1", "devbox")

	require.NoError(t, err, "重试耗尽返回空串而非错误")
	assert.Equal(t, "", resp)
	assert.Equal(t, 3, attempts, "MaxRetries=2 即最多 3 次尝试")
}

func TestDriver_PanicRecoveredIntoRetry(t *testing.T) {
	factory := newStubFactory()
	attempts := 0
	factory.on("chat", KindSmartChat, func(st *State) (*Update, error) {
		attempts++
		if attempts == 1 {
			panic("nil pointer somewhere in a node")
		}
		return &Update{Response: StringPtr("恢复后的回复")}, nil
	})

	driver, _ := driverFixture(t, factory)
	resp, err := driver.Respond(context.Background(), "t-1", "devbox")
	require.NoError(t, err)
	assert.Equal(t, "恢复后的回复", resp)
}

func TestDriver_StateRebuiltPerAttempt(t *testing.T) {
	factory := newStubFactory()
	attempts := 0
	factory.on("chat", KindSmartChat, func(st *State) (*Update, error) {
		attempts++
		// 首次尝试污染变量袋；若状态跨尝试复用，第二次会看到该值
		if attempts == 1 {
			require.Nil(t, st.Variables["tainted"])
			return &Update{Response: StringPtr(""), Variables: map[string]any{"tainted": true}}, nil
		}
		assert.Nil(t, st.Variables["tainted"], "每次尝试从持久化历史重建状态")
		return &Update{Response: StringPtr("ok")}, nil
	})

	driver, _ := driverFixture(t, factory)
	_, err := driver.Respond(context.Background(), "t-1", "devbox")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDriver_ScopeNotBound(t *testing.T) {
	factory := newStubFactory()
	src := &fakeSource{defs: []Definition{*linearDef()}} // 无任何路由
	cache := NewCache(src, factory, nil, DefaultCacheConfig(), zap.NewNop())
	require.NoError(t, cache.Initialize(context.Background()))

	driver := NewDriver(cache, &fakeConversation{}, DefaultDriverConfig(), nil, zap.NewNop())
	_, err := driver.Respond(context.Background(), "t-1", "devbox")
	assert.ErrorIs(t, err, ErrScopeNotBound)
}
