package service

import (
	"context"
	"testing"
	"time"

	"safeline/internal/models"
	"safeline/internal/moderation"
	"safeline/internal/repository"
	"safeline/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newModerationInterceptor(t *testing.T, db *gorm.DB) *ModerationInterceptor {
	t.Helper()
	m, err := NewModerationInterceptor(
		repository.NewModerationRepository(db),
		repository.NewIdentityRepository(db),
		24*time.Hour,
		nil,
	)
	require.NoError(t, err)
	return m
}

func namedUser(t *testing.T, db *gorm.DB, phone, first, last string) *models.User {
	t.Helper()
	u := &models.User{Phone: phone, FirstName: first, LastName: last}
	require.NoError(t, db.Create(u).Error)
	return u
}

func TestNewModerationInterceptor_Validation(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, err := NewModerationInterceptor(nil, repository.NewIdentityRepository(db), time.Hour, nil)
	assert.Error(t, err)
	_, err = NewModerationInterceptor(repository.NewModerationRepository(db), repository.NewIdentityRepository(db), 0, nil)
	assert.Error(t, err)
}

func TestModerationInterceptor_ReportWithClarifier(t *testing.T) {
	db := testutil.NewTestDB(t)
	reporter := namedUser(t, db, "+15552000001", "Riley", "Park")
	reported := namedUser(t, db, "+15552000002", "Sam", "Lee")
	testutil.CreateCoordination(t, db, "grp-1", time.Now().Add(-2*time.Hour), *reporter, *reported)
	m := newModerationInterceptor(t, db)
	ctx := context.Background()

	runReport := func() *models.ModerationIncident {
		res, err := m.Intercept(ctx, reporter, inbound(reporter.Phone, "REPORT"))
		require.NoError(t, err)
		require.Equal(t, ModerationReportPrompted, res.Decision)
		assert.Equal(t, moderation.ReasonMenuMessage, res.Response)
		assert.Equal(t, reported.ID, res.TargetUserID)

		res, err = m.Intercept(ctx, reporter, inbound(reporter.Phone, "Z"))
		require.NoError(t, err)
		require.Equal(t, ModerationReasonClarifier, res.Decision)
		assert.Equal(t, moderation.ClarifierMessage, res.Response)

		res, err = m.Intercept(ctx, reporter, inbound(reporter.Phone, "wouldn't stop messaging me"))
		require.NoError(t, err)
		require.Equal(t, ModerationReportCreated, res.Decision)
		require.NotNil(t, res.Incident)
		assert.Contains(t, res.Response, res.Incident.IncidentID[:8])
		return res.Incident
	}

	first := runReport()
	assert.Equal(t, models.ReportOther, first.ReasonCategory)
	assert.Equal(t, "wouldn't stop messaging me", first.FreeText)
	assert.Equal(t, reporter.ID, first.ReporterID)
	assert.Equal(t, reported.ID, first.ReportedID)
	assert.Equal(t, "grp-1", first.GroupID)

	second := runReport()
	assert.Equal(t, first.IncidentID, second.IncidentID)

	var incidents int64
	require.NoError(t, db.Model(&models.ModerationIncident{}).Count(&incidents).Error)
	assert.EqualValues(t, 1, incidents)

	// The prompt is closed, so ordinary chatter passes through.
	res, err := m.Intercept(ctx, reporter, inbound(reporter.Phone, "see you next week"))
	require.NoError(t, err)
	assert.Equal(t, ModerationNone, res.Decision)
}

func TestModerationInterceptor_ReasonParsing(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		decision ModerationDecision
		category models.ReportCategory
	}{
		{"letter", []string{"b"}, ModerationReportCreated, models.ReportInappropriate},
		{"keyword", []string{"they were harassing me"}, ModerationReportCreated, models.ReportHarassment},
		{"clarifier then letter", []string{"hmm", "C"}, ModerationReportCreated, models.ReportSafetyConcern},
		{"clarifier used once", []string{"hmm", "Q"}, ModerationReportCreated, models.ReportOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			reporter := namedUser(t, db, "+15552000011", "Ada", "Stone")
			reported := namedUser(t, db, "+15552000012", "Bo", "Kim")
			testutil.CreateCoordination(t, db, "grp-2", time.Now().Add(-time.Hour), *reporter, *reported)
			m := newModerationInterceptor(t, db)
			ctx := context.Background()

			_, err := m.Intercept(ctx, reporter, inbound(reporter.Phone, "I want to report"))
			require.NoError(t, err)

			var res ModerationResult
			for _, reply := range tt.replies {
				res, err = m.Intercept(ctx, reporter, inbound(reporter.Phone, reply))
				require.NoError(t, err)
			}
			assert.Equal(t, tt.decision, res.Decision)
			require.NotNil(t, res.Incident)
			assert.Equal(t, tt.category, res.Incident.ReasonCategory)
		})
	}
}

func TestModerationInterceptor_ExpiredPromptIsIgnored(t *testing.T) {
	db := testutil.NewTestDB(t)
	reporter := namedUser(t, db, "+15552000021", "Kai", "Ng")
	reported := namedUser(t, db, "+15552000022", "Lou", "Diaz")
	testutil.CreateCoordination(t, db, "grp-3", time.Now().Add(-time.Hour), *reporter, *reported)
	m := newModerationInterceptor(t, db)
	ctx := context.Background()

	_, err := m.Intercept(ctx, reporter, inbound(reporter.Phone, "report"))
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	res, err := m.Intercept(ctx, reporter, inbound(reporter.Phone, "A"))
	require.NoError(t, err)
	assert.Equal(t, ModerationNone, res.Decision)
}

func TestModerationInterceptor_BlockAndEnforce(t *testing.T) {
	db := testutil.NewTestDB(t)
	blocker := namedUser(t, db, "+15552000031", "Noor", "Haddad")
	blocked := namedUser(t, db, "+15552000032", "Theo", "Grant")
	testutil.CreateCoordination(t, db, "grp-4", time.Now().Add(-time.Hour), *blocker, *blocked)
	m := newModerationInterceptor(t, db)
	ctx := context.Background()

	res, err := m.Intercept(ctx, blocker, inbound(blocker.Phone, "Block!"))
	require.NoError(t, err)
	assert.Equal(t, ModerationBlockCreated, res.Decision)
	assert.Contains(t, res.Response, "Theo")

	// Blocking twice is an upsert.
	res, err = m.Intercept(ctx, blocker, inbound(blocker.Phone, "block theo"))
	require.NoError(t, err)
	assert.Equal(t, ModerationBlockCreated, res.Decision)
	var blocks int64
	require.NoError(t, db.Model(&models.UserBlock{}).Count(&blocks).Error)
	assert.EqualValues(t, 1, blocks)

	for _, sender := range []*models.User{blocker, blocked} {
		res, err = m.Intercept(ctx, sender, inbound(sender.Phone, "hey are you there"))
		require.NoError(t, err)
		assert.Equal(t, ModerationBlockedAttempt, res.Decision)
		assert.Equal(t, moderation.BlockedPairMessage, res.Response)
	}
}

func TestModerationInterceptor_TargetResolution(t *testing.T) {
	db := testutil.NewTestDB(t)
	sender := namedUser(t, db, "+15552000041", "Mia", "Cho")
	a := namedUser(t, db, "+15552000042", "Jordan", "Reyes")
	b := namedUser(t, db, "+15552000043", "Jamie", "Okafor")
	testutil.CreateCoordination(t, db, "grp-5", time.Now().Add(-time.Hour), *sender, *a, *b)
	m := newModerationInterceptor(t, db)
	ctx := context.Background()

	tests := []struct {
		body     string
		decision ModerationDecision
		target   uint
	}{
		{"block", ModerationUnsupportedTarget, 0},
		{"block j", ModerationUnsupportedTarget, 0},
		{"block alex", ModerationUnsupportedTarget, 0},
		{"block okafor", ModerationBlockCreated, b.ID},
		{"I want to block Jordan", ModerationBlockCreated, a.ID},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			res, err := m.Intercept(ctx, sender, inbound(sender.Phone, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)
			assert.Equal(t, tt.target, res.TargetUserID)
			if tt.decision == ModerationUnsupportedTarget {
				assert.Equal(t, moderation.UnsupportedTargetMessage, res.Response)
			}
		})
	}
}

func TestModerationInterceptor_PassThrough(t *testing.T) {
	db := testutil.NewTestDB(t)
	loner := namedUser(t, db, "+15552000051", "Pat", "Quinn")
	m := newModerationInterceptor(t, db)

	res, err := m.Intercept(context.Background(), loner, inbound(loner.Phone, "hello"))
	require.NoError(t, err)
	assert.Equal(t, ModerationNone, res.Decision)

	res, err = m.Intercept(context.Background(), loner, inbound(loner.Phone, "report"))
	require.NoError(t, err)
	assert.Equal(t, ModerationUnsupportedTarget, res.Decision)

	res, err = m.Intercept(context.Background(), nil, inbound("+15559990000", "block"))
	require.NoError(t, err)
	assert.Equal(t, ModerationNone, res.Decision)
}
