package bot_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/quarrylabs/quarry/slack/bot"
	quarrytesting "github.com/quarrylabs/quarry/utils/pkg/testing"
)

func TestManager_ThreadActivation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := bot.NewManagerWithClock(quarrytesting.NewLogger(), clock)

	assert.False(t, m.IsThreadActive("C1", "111.000"))

	m.MarkThreadActive("C1", "111.000")
	assert.True(t, m.IsThreadActive("C1", "111.000"))

	// Other threads and channels stay inactive.
	assert.False(t, m.IsThreadActive("C1", "222.000"))
	assert.False(t, m.IsThreadActive("C2", "111.000"))
}

func TestManager_ThreadExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := bot.NewManagerWithClock(quarrytesting.NewLogger(), clock)

	m.MarkThreadActive("C1", "111.000")
	clock.Advance(23 * time.Hour)
	assert.True(t, m.IsThreadActive("C1", "111.000"))

	clock.Advance(2 * time.Hour)
	assert.False(t, m.IsThreadActive("C1", "111.000"))

	// Re-mentioning reactivates.
	m.MarkThreadActive("C1", "111.000")
	assert.True(t, m.IsThreadActive("C1", "111.000"))
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "slack:D042", bot.ConversationKey("D042", ""))
	assert.Equal(t, "slack:C123:171.500", bot.ConversationKey("C123", "171.500"))
}
