package dispatch

import (
	"context"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/kokoro/internal/chatapi"
)

type fakeRenderer struct{ pages []string }

func (f *fakeRenderer) Render() []string { return f.pages }

type fakeClient struct {
	nextID  int64
	sent    []string
	edited  map[chatapi.MessageHandle]string
	deleted map[chatapi.MessageHandle]bool
	recent  []chatapi.MessageHandle
}

func newFakeClient() *fakeClient {
	return &fakeClient{edited: map[chatapi.MessageHandle]string{}, deleted: map[chatapi.MessageHandle]bool{}}
}

func (f *fakeClient) Send(ctx context.Context, channelID snowflake.ID, content string) (chatapi.MessageHandle, error) {
	f.nextID++
	h := chatapi.MessageHandle{ChannelID: channelID, MessageID: snowflake.ID(f.nextID)}
	f.sent = append(f.sent, content)
	f.recent = append([]chatapi.MessageHandle{h}, f.recent...)
	return h, nil
}

func (f *fakeClient) Edit(ctx context.Context, handle chatapi.MessageHandle, content string) error {
	f.edited[handle] = content
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, handle chatapi.MessageHandle) error {
	f.deleted[handle] = true
	return nil
}

func (f *fakeClient) RecentMessages(ctx context.Context, channelID snowflake.ID, n int) ([]chatapi.MessageHandle, error) {
	if n > len(f.recent) {
		n = len(f.recent)
	}
	return f.recent[:n], nil
}

func TestDispatchSendsNewBundlePages(t *testing.T) {
	client := newFakeClient()
	d := New(client, 5)
	r := &fakeRenderer{pages: []string{"page one", "page two"}}
	d.RegisterBundle("b1", 10, r, false)
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, client.sent, 2)
}

func TestDispatchEditsChangedPage(t *testing.T) {
	client := newFakeClient()
	d := New(client, 5)
	r := &fakeRenderer{pages: []string{"a"}}
	d.RegisterBundle("b1", 10, r, false)
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, client.sent, 1)

	r.pages = []string{"b"}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, client.edited, 1)
}

func TestDispatchShrinkDeletesSurplus(t *testing.T) {
	client := newFakeClient()
	d := New(client, 5)
	r := &fakeRenderer{pages: []string{"a", "b", "c"}}
	d.RegisterBundle("b1", 10, r, false)
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, client.sent, 3)

	r.pages = []string{"a"}
	d.Touch("b1")
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, client.deleted, 2)
}

func TestSingleQueueDrainsWhenNoPendingBundle(t *testing.T) {
	client := newFakeClient()
	d := New(client, 5)
	d.EnqueueSingle(10, "hello", 0)
	require.NoError(t, d.Tick(context.Background()))
	require.Equal(t, []string{"hello"}, client.sent)
}
