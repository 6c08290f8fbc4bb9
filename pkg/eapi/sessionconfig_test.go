package eapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cmdRecorder 记录每次批量调用的命令序列并按脚本应答
type cmdRecorder struct {
	mu      sync.Mutex
	batches [][]string
	replies []string
}

func (r *cmdRecorder) respond(env map[string]interface{}) (int, string) {
	params := env["params"].(map[string]interface{})
	rawCmds := params["cmds"].([]interface{})
	batch := make([]string, 0, len(rawCmds))
	for _, c := range rawCmds {
		switch v := c.(type) {
		case string:
			batch = append(batch, v)
		case map[string]interface{}:
			batch = append(batch, v["cmd"].(string))
		}
	}

	r.mu.Lock()
	r.batches = append(r.batches, batch)
	var reply string
	if len(r.replies) > 0 {
		reply = r.replies[0]
		r.replies = r.replies[1:]
	}
	r.mu.Unlock()

	if reply == "" {
		// 默认应答：每条命令一个空对象
		elems := make([]interface{}, len(batch))
		for i := range elems {
			elems[i] = map[string]interface{}{}
		}
		raw, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      env["id"],
			"result":  elems,
		})
		return http.StatusOK, string(raw)
	}
	return http.StatusOK, echoID(env, reply)
}

func newSessionFixture(t *testing.T) (*SessionConfig, *cmdRecorder) {
	t.Helper()
	rec := &cmdRecorder{}
	device, _ := newTestDevice(t, rec.respond)
	return device.ConfigSession("s1"), rec
}

func TestSessionConfigPush(t *testing.T) {
	session, rec := newSessionFixture(t)

	lines := []string{"interface Ethernet1", "  description uplink", "", "no shutdown"}
	require.NoError(t, session.Push(context.Background(), lines, true))

	require.Len(t, rec.batches, 1, "推送应在单个批次内完成")
	assert.Equal(t, []string{
		"configure session s1",
		"rollback clean-config",
		"interface Ethernet1",
		"description uplink",
		"no shutdown",
	}, rec.batches[0], "进入会话、清空配置、配置行应按序下发，空白行被忽略")
}

func TestSessionConfigPushIncremental(t *testing.T) {
	session, rec := newSessionFixture(t)

	require.NoError(t, session.Push(context.Background(), []string{"hostname leaf1"}, false))
	require.Len(t, rec.batches, 1)
	assert.Equal(t, []string{"configure session s1", "hostname leaf1"}, rec.batches[0],
		"非替换模式不应下发 rollback clean-config")
}

func TestSessionConfigCommitAbort(t *testing.T) {
	session, rec := newSessionFixture(t)
	ctx := context.Background()

	require.NoError(t, session.Commit(ctx))
	require.NoError(t, session.CommitTimer(ctx, "00:05:00"))
	require.NoError(t, session.Abort(ctx))

	require.Len(t, rec.batches, 3)
	assert.Equal(t, []string{"configure session s1 commit"}, rec.batches[0])
	assert.Equal(t, []string{"configure session s1 commit timer 00:05:00"}, rec.batches[1])
	assert.Equal(t, []string{"configure session s1 abort"}, rec.batches[2])
}

func TestSessionConfigDiff(t *testing.T) {
	session, rec := newSessionFixture(t)
	rec.replies = []string{`{"jsonrpc":"2.0","id":%s,"result":[{"output":"--- system\n+++ session\n+hostname leaf1\n"}]}`}

	diff, err := session.Diff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "--- system\n+++ session\n+hostname leaf1\n", diff)

	require.Len(t, rec.batches, 1)
	assert.Equal(t, []string{"show session-config named s1 diffs"}, rec.batches[0])
}

func TestSessionConfigStatus(t *testing.T) {
	session, rec := newSessionFixture(t)
	statusReply := `{"jsonrpc":"2.0","id":%s,"result":[{"sessions":{"s1":{"state":"pending"},"other":{"state":"completed"}},"maxSavedSessions":1}]}`
	rec.replies = []string{statusReply, statusReply}

	all, err := session.StatusAll(context.Background())
	require.NoError(t, err)
	sessions := all["sessions"].(map[string]interface{})
	assert.Len(t, sessions, 2)

	entry, err := session.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"state": "pending"}, entry,
		"Status 应只返回本会话的条目")
}

func TestSessionConfigLoadFile(t *testing.T) {
	session, rec := newSessionFixture(t)
	rec.replies = []string{
		`{"jsonrpc":"2.0","id":%s,"result":[{},{"messages":["Copy completed successfully."]}]}`,
	}

	require.NoError(t, session.LoadFile(context.Background(), "flash:golden.cfg", false))
	require.Len(t, rec.batches, 1)
	assert.Equal(t, []string{
		"configure session s1",
		"copy flash:golden.cfg session-config",
	}, rec.batches[0])
}

func TestSessionConfigLoadFileFailureHeuristic(t *testing.T) {
	session, rec := newSessionFixture(t)
	rec.replies = []string{
		`{"jsonrpc":"2.0","id":%s,"result":[{},{},{"messages":["%% Invalid input at line 3"]}]}`,
	}

	err := session.LoadFile(context.Background(), "flash:broken.cfg", true)
	require.Error(t, err, "消息行命中 error/abort/invalid 应判定加载失败")
	assert.Contains(t, err.Error(), "flash:broken.cfg")
	assert.Contains(t, err.Error(), "Invalid input")
}
