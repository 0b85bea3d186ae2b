package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamingRules(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "email-queue", Email.QueueName())
	assert.Equal(t, "email-worker", Email.WorkerName())
	assert.Equal(t, "email-job", Email.JobName())
	assert.Equal(t, "push-queue", Push.QueueName())
}

func TestKnownChannelsAreValid(t *testing.T) {
	t.Parallel()
	for _, n := range Known() {
		assert.True(t, n.Valid(), "channel %q", n)
	}
	assert.False(t, Name("pager").Valid())
}

func TestEveryKnownAdapterMapsToKnownChannel(t *testing.T) {
	t.Parallel()
	for _, a := range KnownAdapters() {
		ch, ok := a.Channel()
		require.True(t, ok, "adapter %q has no channel", a)
		assert.True(t, ch.Valid())
	}
	_, ok := AdapterName("mailgun").Channel()
	assert.False(t, ok)
}

func TestParseAdapterName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Nodemailer, ParseAdapterName("  NodeMailer "))
}
