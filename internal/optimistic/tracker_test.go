package optimistic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-go/internal/chattypes"
)

func newTestTracker() *Tracker {
	return NewTracker("user-farmer-1", "王家农场", "https://cdn.example.com/avatar.png")
}

func TestCreatePlaceholderFillsIdentityAndState(t *testing.T) {
	tr := newTestTracker()

	ph, err := tr.CreatePlaceholder("contract-1", chattypes.Draft{
		Kind:    chattypes.TextMessageKind,
		Content: "你好",
	})
	require.NoError(t, err)

	assert.Equal(t, "contract-1", ph.ConversationID)
	assert.Equal(t, "user-farmer-1", ph.SenderID)
	assert.Equal(t, "王家农场", ph.SenderName)
	assert.Equal(t, "你好", ph.Content)
	assert.True(t, ph.IsPlaceholder())
	assert.Equal(t, chattypes.DeliverySending, ph.Delivery)
	assert.Equal(t, chattypes.TextMessageKind, ph.Local.Kind)
	assert.False(t, ph.CreatedAt.IsZero())
}

func TestSequenceIsMonotonicAndIDsAreUnique(t *testing.T) {
	tr := newTestTracker()

	seen := make(map[string]bool)
	var last uint64
	for i := 0; i < 50; i++ {
		ph, err := tr.CreatePlaceholder("contract-1", chattypes.Draft{
			Kind:    chattypes.TextMessageKind,
			Content: "重复内容",
		})
		require.NoError(t, err)
		assert.Greater(t, ph.Local.Seq, last)
		last = ph.Local.Seq
		assert.False(t, seen[ph.ID], "占位 ID 不可重复: %s", ph.ID)
		seen[ph.ID] = true
	}
}

func TestIDPrefixFollowsKind(t *testing.T) {
	tr := newTestTracker()

	cases := []struct {
		kind   chattypes.MessageKind
		prefix string
	}{
		{chattypes.TextMessageKind, "local-text-"},
		{chattypes.ImageMessageKind, "local-image-"},
		{chattypes.OfferMessageKind, "local-offer-"},
		{chattypes.SystemMessageKind, "local-msg-"},
	}
	for _, tc := range cases {
		ph, err := tr.CreatePlaceholder("contract-1", chattypes.Draft{Kind: tc.kind})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ph.ID, tc.prefix),
			"类型 %s 的占位 ID %s 应以 %s 开头", tc.kind, ph.ID, tc.prefix)
	}
}

func TestPlaceholderCarriesPayload(t *testing.T) {
	tr := newTestTracker()

	ph, err := tr.CreatePlaceholder("contract-1", chattypes.Draft{
		Kind:    chattypes.OfferMessageKind,
		Content: "报价：2.50 元/kg × 1000 kg",
		Payload: chattypes.OfferPayload{
			ProductName:  "红富士苹果",
			PricePerUnit: 2.5,
			Currency:     "CNY",
			Quantity:     1000,
			Unit:         "kg",
		},
	})
	require.NoError(t, err)

	payload, err := ph.OfferPayload()
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "红富士苹果", payload.ProductName)
	assert.InDelta(t, 2.5, payload.PricePerUnit, 1e-9)
}
