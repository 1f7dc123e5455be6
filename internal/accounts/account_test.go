package accounts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiringSoon(t *testing.T) {
	now := time.Unix(1700000000, 0)
	withExpiry := func(d time.Duration) Account {
		raw, _ := json.Marshal(map[string]interface{}{
			"tokens": map[string]interface{}{"expires_at": now.Add(d).Unix()},
		})
		return Account{ID: "a", AuthJSON: raw}
	}

	margin := 10 * time.Minute
	soon := withExpiry(5 * time.Minute)
	later := withExpiry(20 * time.Minute)
	expired := withExpiry(-time.Hour)
	unknown := Account{ID: "b", AuthJSON: json.RawMessage(`{"tokens":{}}`)}

	assert.True(t, soon.ExpiringSoon(now, margin))
	assert.False(t, later.ExpiringSoon(now, margin))
	assert.True(t, expired.ExpiringSoon(now, margin))
	assert.False(t, unknown.ExpiringSoon(now, margin))
}

func TestCloneIsDeep(t *testing.T) {
	last := time.Unix(100, 0)
	original := Account{ID: "a", AuthJSON: json.RawMessage(`{"x":1}`), LastRefresh: &last}

	clone := original.Clone()
	clone.AuthJSON[2] = 'y'
	*clone.LastRefresh = time.Unix(200, 0)

	assert.JSONEq(t, `{"x":1}`, string(original.AuthJSON))
	assert.Equal(t, int64(100), original.LastRefresh.Unix())
}
