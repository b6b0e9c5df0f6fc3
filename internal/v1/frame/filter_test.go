package frame

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSubset(t *testing.T) {
	a := map[string]any{"roomId": "3735", "ids": []any{float64(488566)}}
	b := map[string]any{
		"roomId":        "3735",
		"ids":           []any{float64(488566)},
		"installationId": float64(385654),
		"shard":         float64(7),
	}
	assert.True(t, IsSubset(a, b))
}

func TestIsSubset_MissingKey(t *testing.T) {
	a := map[string]any{"roomId": "3735", "extra": "x"}
	b := map[string]any{"roomId": "3735"}
	assert.False(t, IsSubset(a, b))
}

func TestIsSubset_UnequalValue(t *testing.T) {
	a := map[string]any{"roomId": "3735"}
	b := map[string]any{"roomId": "9999"}
	assert.False(t, IsSubset(a, b))
}

func TestIsSubset_NestedRecurse(t *testing.T) {
	a := map[string]any{"user": map[string]any{"id": float64(1)}}
	b := map[string]any{"user": map[string]any{"id": float64(1), "name": "peter"}}
	assert.True(t, IsSubset(a, b))
}

func TestMatchFrame_Wildcard(t *testing.T) {
	ok, err := MatchFrame(Filter{Any: true}, Frame{Name: "anything"})
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchFrame_Type(t *testing.T) {
	ok, err := MatchFrame(TypeFilter("ping"), Frame{Name: "ping"})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchFrame(TypeFilter("ping"), Frame{Name: "pong"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchFrame_TypeRegexp(t *testing.T) {
	ok, err := MatchFrame(Filter{TypeRegexp: regexp.MustCompile(`^room\.`)}, Frame{Name: "room.typing"})
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchFrame_Nonce(t *testing.T) {
	var n int64 = 5
	f := Frame{Name: "pong", Nonce: &n}
	ok, err := MatchFrame(NonceFilter(5), f)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = MatchFrame(NonceFilter(6), f)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchFrame_Contents(t *testing.T) {
	f := Frame{Name: "room.typing", Contents: map[string]any{"roomId": "3735", "isTyping": true}}
	ok, err := MatchFrame(Filter{Contents: map[string]any{"roomId": "3735"}}, f)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchFrame_Conjunction(t *testing.T) {
	var n int64 = 5
	f := Frame{Name: "room.message.created", Nonce: &n, Contents: map[string]any{"roomId": "1"}}
	filter := Filter{Type: "room.message.created", Nonce: &n, Contents: map[string]any{"roomId": "1"}}
	ok, err := MatchFrame(filter, f)
	assert.NoError(t, err)
	assert.True(t, ok)

	filter.Type = "other"
	ok, err = MatchFrame(filter, f)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchFrame_Empty(t *testing.T) {
	_, err := MatchFrame(Filter{}, Frame{Name: "ping"})
	assert.ErrorIs(t, err, ErrEmptyFilter)
}
