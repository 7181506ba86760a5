package natspub

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/events"
	"taskorch/pkg/logx"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestPublishSubjects(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs, err := sub.SubscribeSync("taskorch.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "", logx.Discard())
	require.NoError(t, err)
	defer pub.Close()

	e := events.New(events.TaskClaimed, "task-1", map[string]any{"attempt": 1})
	e.Namespace = "team.a"
	pub.Emit(e)
	pub.Emit(events.New(events.TasksRecovered, "", nil))
	require.NoError(t, pub.Close())

	msg, err := msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "taskorch.team_a.TASK_CLAIMED", msg.Subject)
	got, err := events.FromJSON(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "task-1", got.TaskID)

	msg, err = msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "taskorch._.TASKS_RECOVERED", msg.Subject)
}

func TestPublishAfterCloseFails(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(server.ClientURL(), "custom", logx.Discard())
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	assert.Error(t, pub.Publish(events.New(events.TaskFinished, "t", nil)))
	pub.Emit(events.New(events.TaskFinished, "t", nil))
}
