package consent

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/pkg/database"
	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/types"
)

var patientCols = []string{"id", "last_name", "first_name", "middle_name", "language", "destination", "has_channel", "orgs"}

func newMockDirectory(t *testing.T) (*SQLPatientDirectory, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewSQLPatientDirectory(database.Wrap(sqlDB, logger.NewWithOutput("error", io.Discard))), mock
}

func TestMaskName(t *testing.T) {
	tests := []struct {
		last, first, middle string
		want                string
	}{
		{"Ivanov", "Ivan", "Ivanovich", "Ivanov I*** I."},
		{"Ivanov", "Ivan", "", "Ivanov I***"},
		{"Ахметов", "Нурлан", "", "Ахметов Н*****"},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskName(tt.last, tt.first, tt.middle))
	}
}

func TestSQLPatientDirectory_FindByID(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE p.id = $1")).
		WithArgs("patient-1").
		WillReturnRows(sqlmock.NewRows(patientCols).AddRow(
			"patient-1", "Ivanov", "Ivan", nil, "ru", "100200300", true, "{org-b,org-c}",
		))

	p, err := dir.FindByID(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "Ivanov I***", p.DisplayName)
	assert.Equal(t, "ru", p.Language)
	assert.True(t, p.HasChannel)
	assert.Equal(t, "100200300", p.Destination)
	assert.Equal(t, []string{"org-b", "org-c"}, p.OrgIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLPatientDirectory_FindByIdentityHashNotFound(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE p.identity_hash = $1")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(patientCols))

	_, err := dir.FindByIdentityHash(context.Background(), "abc")
	requireKind(t, err, types.KindNotFound)
}

func TestSQLPatientDirectory_FindByChannelUser(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE channel = $1 AND channel_user_id = $2")).
		WithArgs("telegram", "555").
		WillReturnRows(sqlmock.NewRows(patientCols).AddRow(
			"patient-1", "Ivanov", "Ivan", "Ivanovich", nil, "555", true, "{}",
		))

	p, err := dir.FindByChannelUser(context.Background(), types.ChannelTelegram, "555")
	require.NoError(t, err)
	assert.Equal(t, "patient-1", p.ID)
	assert.Empty(t, p.OrgIDs)
	assert.Empty(t, p.Language)
}

func TestSQLPatientDirectory_QueryFailure(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery("FROM patients").WillReturnError(errors.New("connection reset"))

	_, err := dir.FindByID(context.Background(), "patient-1")
	require.Error(t, err)
	assert.Equal(t, types.KindInternal, types.KindOf(err))
}

func TestSQLPatientDirectory_OwnedBy(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM patient_organizations WHERE patient_id = $1 AND organization_id = $2")).
		WithArgs("patient-1", "org-b").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	owned, err := dir.OwnedBy(context.Background(), "patient-1", "org-b")
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestSQLPatientDirectory_OrganizationName(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM organizations WHERE id = $1")).
		WithArgs("org-a").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Clinic A"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM organizations WHERE id = $1")).
		WithArgs("org-x").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	name, err := dir.OrganizationName(context.Background(), "org-a")
	require.NoError(t, err)
	assert.Equal(t, "Clinic A", name)

	_, err = dir.OrganizationName(context.Background(), "org-x")
	requireKind(t, err, types.KindNotFound)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	dir.AddOrganization("org-b", "Clinic B")
	dir.AddPatient(types.Patient{ID: "p1", OrgIDs: []string{"org-b"}}, "hash-1")
	dir.LinkChannel("p1", types.ChannelTelegram, "777")

	p, err := dir.FindByIdentityHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, p.HasChannel)

	p.OrgIDs[0] = "mutated"
	again, err := dir.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"org-b"}, again.OrgIDs)

	linked, err := dir.FindByChannelUser(ctx, types.ChannelTelegram, "777")
	require.NoError(t, err)
	assert.Equal(t, "p1", linked.ID)

	_, err = dir.FindByChannelUser(ctx, types.ChannelSMS, "777")
	requireKind(t, err, types.KindNotFound)
	_, err = dir.FindByID(ctx, "p2")
	requireKind(t, err, types.KindNotFound)

	owned, err := dir.OwnedBy(ctx, "p1", "org-b")
	require.NoError(t, err)
	assert.True(t, owned)
	owned, err = dir.OwnedBy(ctx, "p1", "org-a")
	require.NoError(t, err)
	assert.False(t, owned)

	name, err := dir.OrganizationName(ctx, "org-b")
	require.NoError(t, err)
	assert.Equal(t, "Clinic B", name)
}
