package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func ride(id string, priority bool, at time.Time) *models.Ride {
	return &models.Ride{ID: id, Priority: priority, Status: models.RideWaiting, RequestedAt: at}
}

func TestNextForPrefersPriorityThenOldest(t *testing.T) {
	base := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	rides := []*models.Ride{
		ride("normal-old", false, base),
		ride("vip-new", true, base.Add(2*time.Minute)),
		ride("vip-old", true, base.Add(time.Minute)),
	}

	next := NextFor(rides, nil)
	require.NotNil(t, next)
	assert.Equal(t, "vip-old", next.ID)
}

func TestNextForSkipsOwnDeclinesOnly(t *testing.T) {
	base := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	rides := []*models.Ride{ride("a", false, base), ride("b", false, base.Add(time.Second))}

	assert.Equal(t, "b", NextFor(rides, map[string]bool{"a": true}).ID)
	assert.Equal(t, "a", NextFor(rides, map[string]bool{}).ID)
	assert.Nil(t, NextFor(rides, map[string]bool{"a": true, "b": true}))
}

func TestNextForIgnoresNonWaiting(t *testing.T) {
	base := time.Now()
	taken := ride("taken", true, base)
	taken.Status = models.RideAssigned
	rides := []*models.Ride{taken, ride("free", false, base.Add(time.Second))}

	assert.Equal(t, "free", NextFor(rides, nil).ID)
}

// Whatever the arrival order, NextFor agrees with the head of Visible and no
// other visible ride sorts ahead of it.
func TestNextForMatchesVisibleHead(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	for round := 0; round < 200; round++ {
		n := rng.Intn(8) + 1
		rides := make([]*models.Ride, 0, n)
		declined := map[string]bool{}
		for i := 0; i < n; i++ {
			id := string(rune('a' + i))
			rides = append(rides, ride(id, rng.Intn(2) == 0, base.Add(time.Duration(rng.Intn(5))*time.Second)))
			if rng.Intn(4) == 0 {
				declined[id] = true
			}
		}
		visible := Visible(rides, declined)
		next := NextFor(rides, declined)
		if len(visible) == 0 {
			require.Nil(t, next)
			continue
		}
		require.Equal(t, visible[0].ID, next.ID)
		for _, r := range visible[1:] {
			require.False(t, Less(r, next), "ride %s sorts ahead of %s", r.ID, next.ID)
			require.False(t, declined[r.ID])
		}
	}
}
