package reputation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink/safety/internal/models"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestEngine() Engine {
	e := NewEngine(0)
	e.Now = func() time.Time { return testNow }
	return e
}

func recordWithScore(score int) *models.ReputationRecord {
	r := NewRecord("user-1", testNow)
	r.CurrentScore = score
	r.Tier = Classify(score)
	return r
}

func sumChanges(h []models.ScoreChange) int {
	total := 0
	for _, c := range h {
		total += c.Change
	}
	return total
}

// =============================================================================
// Classification
// =============================================================================

func TestClassify_Breakpoints(t *testing.T) {
	tests := []struct {
		score int
		tier  models.Tier
		stars int
	}{
		{100, models.TierPerfect, 5},
		{95, models.TierPerfect, 5},
		{94, models.TierGreat, 4},
		{85, models.TierGreat, 4},
		{84, models.TierGood, 3},
		{70, models.TierGood, 3},
		{69, models.TierWarning, 2},
		{50, models.TierWarning, 2},
		{49, models.TierBanned, 1},
		{0, models.TierBanned, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tier, Classify(tt.score), "score %d", tt.score)
		assert.Equal(t, tt.stars, Stars(tt.score), "score %d", tt.score)
	}
}

func TestClassify_Monotonic(t *testing.T) {
	rank := map[models.Tier]int{
		models.TierBanned: 0, models.TierWarning: 1, models.TierGood: 2, models.TierGreat: 3, models.TierPerfect: 4,
	}
	for s := 1; s <= 100; s++ {
		assert.GreaterOrEqual(t, rank[Classify(s)], rank[Classify(s-1)], "score %d", s)
		assert.GreaterOrEqual(t, Stars(s), Stars(s-1), "score %d", s)
	}
}

func TestCanMatch_Boundary(t *testing.T) {
	assert.True(t, CanMatch(85, 85))
	assert.True(t, CanMatch(100, 85))
	assert.False(t, CanMatch(84, 100))
	assert.False(t, CanMatch(100, 84))
	assert.False(t, CanMatch(10, 10))

	e := newTestEngine()
	assert.True(t, e.CanMatch(recordWithScore(85), recordWithScore(90)))
	assert.False(t, e.CanMatch(recordWithScore(84), recordWithScore(90)))
}

// =============================================================================
// Processors
// =============================================================================

// A returning user who already holds first_call: the call yields exactly the two scoring
// entries. A fresh record also gets a zero-change badge entry (see below).
func TestCallCompleted_ClampsAtMax(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(100)
	r.CompletedCalls = 3
	r.Badges[BadgeFirstCall] = true

	out := e.CallCompleted(r, 901*time.Second, RatingRespectful, "partner-1")

	assert.Equal(t, 100, out.CurrentScore)
	assert.Equal(t, models.TierPerfect, out.Tier)
	require.Len(t, out.History, 2)
	assert.Equal(t, 3, out.History[0].Change, "base +2 plus long call +1")
	assert.Equal(t, 5, out.History[1].Change)
	assert.Equal(t, "partner-1", out.History[1].FromUserID)
	assert.Equal(t, 8, sumChanges(out.History))

	// input untouched
	assert.Empty(t, r.History)
	assert.Equal(t, 3, r.CompletedCalls)
}

func TestCallCompleted_FreshRecordAwardsFirstCall(t *testing.T) {
	e := newTestEngine()
	r := NewRecord("user-1", testNow)

	out := e.CallCompleted(r, 901*time.Second, RatingRespectful, "partner-1")

	assert.Equal(t, 100, out.CurrentScore)
	require.Len(t, out.History, 3)
	assert.Equal(t, ReasonCallCompleted, out.History[0].Reason)
	assert.Equal(t, 3, out.History[0].Change)
	assert.Equal(t, ReasonRatedRespectful, out.History[1].Reason)
	assert.Equal(t, 5, out.History[1].Change)
	assert.Equal(t, ReasonBadgeAwarded, out.History[2].Reason)
	assert.Equal(t, BadgeFirstCall, out.History[2].Detail)
	assert.Zero(t, out.History[2].Change)
	assert.Equal(t, 8, sumChanges(out.History))
	assert.True(t, out.HasBadge(BadgeFirstCall))
	assert.False(t, r.HasBadge(BadgeFirstCall))
}

func TestCallCompleted_RunningAverage(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(60)
	r = e.CallCompleted(r, 100*time.Second, RatingNone, "")
	r = e.CallCompleted(r, 300*time.Second, RatingNone, "")
	r = e.CallCompleted(r, 200*time.Second, RatingInappropriate, "p")

	assert.InDelta(t, 200.0, r.AverageCallDurationSeconds, 0.0001)
	assert.Equal(t, 3, r.CompletedCalls)
	assert.Equal(t, 3, r.TotalCalls)
	assert.Equal(t, 60+2+2+2-20, r.CurrentScore)
	assert.True(t, r.HasBadge(BadgeFirstCall))
}

func TestCallSkipped(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(90)

	quick := e.CallSkipped(r, 29*time.Second)
	assert.Equal(t, 85, quick.CurrentScore)
	assert.Equal(t, 1, quick.SkippedCalls)
	require.Len(t, quick.History, 1)
	assert.Equal(t, ReasonQuickSkip, quick.History[0].Reason)

	late := e.CallSkipped(r, 30*time.Second)
	assert.Equal(t, 90, late.CurrentScore)
	assert.Empty(t, late.History)
	assert.Equal(t, 1, late.TotalCalls)
}

// The report penalty and the later confirmation penalty are two deductions for one
// incident. This is kept on purpose; change it only with a product decision.
func TestReportFiled_DoubleDeduction(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(90)

	r = e.ReportFiled(r, false, "reporter", "")
	r = e.ReportFiled(r, true, "moderator", "")

	assert.Equal(t, 10, r.CurrentScore)
	assert.Equal(t, models.TierBanned, r.Tier)
	require.Len(t, r.History, 2)
	assert.Equal(t, -30, r.History[0].Change)
	assert.Equal(t, ReasonReportFiled, r.History[0].Reason)
	assert.Equal(t, -50, r.History[1].Change)
	assert.Equal(t, ReasonReportConfirmed, r.History[1].Reason)
	assert.Equal(t, 1, r.ReportsReceived)
	assert.Equal(t, 1, r.ReportsConfirmed)
}

func TestReportFiled_ClampsAtZero(t *testing.T) {
	e := newTestEngine()
	r := e.ReportFiled(recordWithScore(40), true, "", "")
	assert.Equal(t, 0, r.CurrentScore)
	assert.Equal(t, -50, r.History[0].Change)
}

func TestAIViolation_SeverityMultiplier(t *testing.T) {
	e := newTestEngine()
	tests := []struct {
		sev  models.Severity
		want int
	}{
		{models.SeverityLow, -20},
		{models.SeverityMedium, -40},
		{models.SeverityHigh, -60},
		{models.SeverityCritical, -80},
	}
	for _, tt := range tests {
		out := e.AIViolation(recordWithScore(100), models.ViolationNudity, tt.sev)
		assert.Equal(t, tt.want, out.History[0].Change, string(tt.sev))
		assert.Equal(t, 100+tt.want, out.CurrentScore)
	}
}

func TestCaptureAttempt_EscalatesAndCaps(t *testing.T) {
	e := newTestEngine()
	for attempt, want := range map[int]int{1: -10, 2: -20, 5: -50, 9: -50} {
		out := e.CaptureAttempt(recordWithScore(100), attempt)
		assert.Equal(t, want, out.History[0].Change, "attempt %d", attempt)
	}
}

func TestStreakBonus(t *testing.T) {
	e := newTestEngine()
	out := e.StreakBonus(recordWithScore(97), 7)
	assert.Equal(t, 100, out.CurrentScore)
	assert.True(t, out.HasBadge(BadgeStreak7))
	assert.Equal(t, 7, out.History[0].Change)

	same := e.StreakBonus(recordWithScore(80), 0)
	assert.Equal(t, 80, same.CurrentScore)
	assert.Empty(t, same.History)
}

func TestAwardBadge_Idempotent(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(90)
	r = e.AwardBadge(r, "night_owl")
	r = e.AwardBadge(r, "night_owl")

	assert.Len(t, r.Badges, 1)
	require.Len(t, r.History, 1)
	assert.Equal(t, ReasonBadgeAwarded, r.History[0].Reason)
	assert.Equal(t, 0, r.History[0].Change)
}

// =============================================================================
// Invariants over arbitrary event sequences
// =============================================================================

func TestApply_RandomSequencesStayInRange(t *testing.T) {
	e := newTestEngine()
	rng := rand.New(rand.NewSource(42))
	sevs := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	ratings := []Rating{RatingNone, RatingRespectful, RatingInappropriate}

	for run := 0; run < 50; run++ {
		r := NewRecord("u", testNow)
		for i := 0; i < 200; i++ {
			ev := Event{UserID: "u"}
			switch rng.Intn(7) {
			case 0:
				ev.Kind = EventCallCompleted
				ev.DurationSeconds = rng.Intn(2000)
				ev.Rating = ratings[rng.Intn(len(ratings))]
			case 1:
				ev.Kind = EventCallSkipped
				ev.DurationSeconds = rng.Intn(60)
			case 2:
				ev.Kind = EventReportFiled
				ev.Confirmed = rng.Intn(2) == 0
			case 3:
				ev.Kind = EventAIViolation
				ev.ViolationType = models.ViolationWeapon
				ev.Severity = sevs[rng.Intn(len(sevs))]
			case 4:
				ev.Kind = EventCaptureAttempt
				ev.AttemptNumber = 1 + rng.Intn(8)
			case 5:
				ev.Kind = EventStreakBonus
				ev.Days = rng.Intn(10)
			case 6:
				ev.Kind = EventBadge
				ev.Badge = "b"
			}
			before := len(r.History)
			next, err := e.Apply(r, ev)
			require.NoError(t, err)
			require.NoError(t, Validate(next))
			require.GreaterOrEqual(t, len(next.History), before, "history is append-only")
			r = next
		}
	}
}

func TestApply_RejectsInvalidEvents(t *testing.T) {
	e := newTestEngine()
	r := recordWithScore(90)

	_, err := e.Apply(r, Event{Kind: "bogus", UserID: "u"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = e.Apply(r, Event{Kind: EventAIViolation, UserID: "u", Severity: "extreme"})
	assert.Error(t, err)

	_, err = e.Apply(r, Event{Kind: EventCaptureAttempt, UserID: "u"})
	assert.Error(t, err)

	_, err = e.Apply(r, Event{Kind: EventCallSkipped})
	assert.Error(t, err)
}

func TestValidate_DetectsOutOfRange(t *testing.T) {
	r := recordWithScore(50)
	r.CurrentScore = 101
	assert.ErrorIs(t, Validate(r), ErrScoreOutOfRange)

	r = recordWithScore(50)
	r.Tier = models.TierPerfect
	assert.Error(t, Validate(r))
}
