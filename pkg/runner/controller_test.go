package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/marc"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/repository"
	"github.com/wehubfusion/Daedalus/pkg/rules"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/tenant"
)

const instanceID = "5bf370e0-8cca-4d9c-82e4-5170ab2a0a39"

type recordingReporter struct {
	mu   sync.Mutex
	runs []domain.Run
	errs []error
}

func (r *recordingReporter) ReportFailure(ctx context.Context, run domain.Run, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	r.errs = append(r.errs, err)
}

type controllerFixture struct {
	store      *storage.MemoryStore
	runs       *repository.MemoryRunStore
	errors     *repository.MemoryErrorStore
	fake       *remote.InMemory
	events     *events.MemoryPublisher
	reporter   *recordingReporter
	controller *Controller
}

func newControllerFixture(t *testing.T, mutate func(*Config)) *controllerFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PartitionSize = 2
	cfg.PartitionWorkers = 2
	cfg.MergeTimeout = 10 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	f := &controllerFixture{
		store:    storage.NewMemoryStore(),
		runs:     repository.NewMemoryRunStore(),
		errors:   repository.NewMemoryErrorStore(),
		fake:     remote.NewInMemory(),
		events:   events.NewMemoryPublisher(),
		reporter: &recordingReporter{},
	}
	c, err := NewController(cfg, Dependencies{
		Store:    f.store,
		Runs:     f.runs,
		Errors:   f.errors,
		Remote:   f.fake.Collaborators(),
		Events:   f.events,
		Reporter: f.reporter,
	}, nil)
	require.NoError(t, err)
	f.controller = c
	return f
}

func (f *controllerFixture) create(t *testing.T, kind domain.EntityType, idType domain.IdentifierType, tenantID, identifiers string) domain.Run {
	t.Helper()
	path := "uploads/" + strings.ToLower(string(kind)) + ".txt"
	require.NoError(t, storage.PutBytes(context.Background(), f.store, path, []byte(identifiers)))
	run, err := f.controller.Create(context.Background(), CreateRequest{
		EntityType:      kind,
		IdentifierType:  idType,
		Tenant:          tenantID,
		User:            tenant.User{ID: "u1", Username: "librarian"},
		IdentifiersFile: path,
	})
	require.NoError(t, err)
	return run
}

func (f *controllerFixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := storage.ReadAll(context.Background(), f.store, path)
	require.NoError(t, err)
	return string(data)
}

func (f *controllerFixture) assertNoTempFiles(t *testing.T) {
	t.Helper()
	f.controller.Wait()
	for _, key := range f.store.Keys() {
		assert.NotContains(t, key, "/tmp/")
	}
}

func lineCount(s string) int {
	return strings.Count(s, "\n")
}

func TestController_ItemLifecycle(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"it-1","hrid":"it00001","barcode":"b1","status":{"name":"Available"}}`)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"it-2","hrid":"it00002","barcode":"b2","status":{"name":"Available"}}`)
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission(), domain.EntityItem.WritePermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityItem, domain.IdentifierHRID, "diku", "it00001\nit00001\nmissing\n\nit00002\n")
	assert.Equal(t, domain.RunStatusNew, run.Status)

	run, err := f.controller.Match(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDataModification, run.Status)
	assert.Equal(t, domain.Counts{Total: 4, Matched: 2, Processed: 4, Errors: 1, Warnings: 1}, run.Counts)

	matched := f.read(t, run.Artifacts.MatchedCSV)
	assert.True(t, strings.HasPrefix(matched, "\ufeffItem UUID,Item HRID"))
	assert.Equal(t, 3, lineCount(matched))
	assert.Equal(t, 2, lineCount(f.read(t, run.Artifacts.MatchedJSON)))

	errorsCSV := f.read(t, run.Artifacts.ErrorsCSV)
	assert.Contains(t, errorsCSV, "missing,No match found,ERROR\n")
	assert.Contains(t, errorsCSV, "it00001,Duplicate entry,WARNING\n")
	f.assertNoTempFiles(t)

	run, err = f.controller.Modify(ctx, run.ID, rules.RuleSet{Rules: []rules.Rule{
		{Option: rules.OptionStatus, Actions: []rules.Action{{Type: rules.ActionReplaceWith, Updated: "Missing"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusReviewChanges, run.Status)
	assert.Equal(t, int64(2), run.Counts.Processed)
	assert.Equal(t, int64(2), run.Counts.Matched)

	preview := f.read(t, run.Artifacts.PreviewCSV)
	assert.Equal(t, 3, lineCount(preview))
	assert.NotContains(t, preview, "Item UUID")
	assert.Contains(t, preview, "Missing")
	assert.Equal(t, 2, lineCount(f.read(t, run.Artifacts.ModifiedJSON)))

	run, err = f.controller.Apply(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(2), run.Counts.Matched)
	require.NotNil(t, run.EndedAt)

	assert.Len(t, f.fake.Updates(), 2)
	doc, ok := f.fake.Record("diku", domain.EntityItem, "it-1")
	require.True(t, ok)
	assert.Equal(t, "Missing", gjson.GetBytes(doc, "status.name").String())
	assert.Equal(t, 3, lineCount(f.read(t, run.Artifacts.ChangedCSV)))
	f.assertNoTempFiles(t)

	assert.Equal(t, []domain.RunStatus{
		domain.RunStatusNew,
		domain.RunStatusDataModification,
		domain.RunStatusReviewChanges,
		domain.RunStatusApplyChanges,
		domain.RunStatusCompleted,
	}, f.events.Statuses())

	stored, err := f.controller.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)
}

func TestController_OneToManyIdentifierCountsOnce(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityHolding, `{"id":"h-1","hrid":"ho00001"}`)
	for i := 1; i <= 3; i++ {
		f.fake.AddRecord("diku", domain.EntityItem,
			fmt.Sprintf(`{"id":"it-%d","hrid":"it0000%d","holdingsRecordId":"h-1"}`, i, i))
	}
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())

	run := f.create(t, domain.EntityItem, domain.IdentifierHoldingsRecordID, "diku", "h-1\n")
	run, err := f.controller.Match(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.Counts{Total: 1, Matched: 1, Processed: 1}, run.Counts)
	assert.LessOrEqual(t, run.Counts.Matched, run.Counts.Processed)
	assert.Equal(t, 3, lineCount(f.read(t, run.Artifacts.MatchedJSON)))
	assert.Equal(t, 4, lineCount(f.read(t, run.Artifacts.MatchedCSV)))
}

func TestController_RecordWithoutIDIsSkipped(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"it-1","hrid":"it00001","barcode":"b1"}`)
	f.fake.AddRecord("diku", domain.EntityItem, `{"hrid":"it00002","barcode":"b2"}`)
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())

	run := f.create(t, domain.EntityItem, domain.IdentifierBarcode, "diku", "b1\nb2\n")
	run, err := f.controller.Match(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusDataModification, run.Status)
	assert.Equal(t, domain.Counts{Total: 2, Matched: 1, Processed: 2, Errors: 1}, run.Counts)
	assert.Contains(t, f.read(t, run.Artifacts.ErrorsCSV), "b2,Record has no id,ERROR\n")
}

func TestController_UnchangedRecordsAreNotModified(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"it-1","hrid":"it00001","status":{"name":"Missing"}}`)
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityItem, domain.IdentifierHRID, "diku", "it00001\n")
	run, err := f.controller.Match(ctx, run.ID)
	require.NoError(t, err)

	run, err = f.controller.Modify(ctx, run.ID, rules.RuleSet{Rules: []rules.Rule{
		{Option: rules.OptionStatus, Actions: []rules.Action{{Type: rules.ActionReplaceWith, Updated: "Missing"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), run.Counts.Matched)
	assert.Equal(t, 2, lineCount(f.read(t, run.Artifacts.PreviewCSV)))
	assert.Empty(t, f.read(t, run.Artifacts.ModifiedJSON))
}

func TestController_ApplyWithoutWritePermissionCompletesWithErrors(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityItem, `{"id":"it-1","hrid":"it00001","status":{"name":"Available"}}`)
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityItem, domain.IdentifierHRID, "diku", "it00001\n")
	run, err := f.controller.Match(ctx, run.ID)
	require.NoError(t, err)
	run, err = f.controller.Modify(ctx, run.ID, rules.RuleSet{Rules: []rules.Rule{
		{Option: rules.OptionStatus, Actions: []rules.Action{{Type: rules.ActionReplaceWith, Updated: "Missing"}}},
	}})
	require.NoError(t, err)

	run, err = f.controller.Apply(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompletedWithErrors, run.Status)
	assert.Equal(t, int64(1), run.Counts.Errors)
	assert.Empty(t, f.fake.Updates())
	assert.Contains(t, f.read(t, run.Artifacts.ErrorsCSV), "does not have required permission to edit the item record")
}

func TestController_SkipLimitFailsRun(t *testing.T) {
	f := newControllerFixture(t, func(c *Config) { c.SkipLimit = 1 })
	f.fake.Grant("diku", "u1", domain.EntityItem.ReadPermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityItem, domain.IdentifierBarcode, "diku", "a\nb\nc\n")
	_, err := f.controller.Match(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSkipLimitExceeded))

	stored, err := f.controller.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Equal(t, "skip limit exceeded (FatalError)", stored.ErrorMessage)
	require.NotNil(t, stored.EndedAt)

	require.Len(t, f.reporter.runs, 1)
	assert.Equal(t, run.ID, f.reporter.runs[0].ID)
	assert.Equal(t, []domain.RunStatus{domain.RunStatusNew, domain.RunStatusFailed}, f.events.Statuses())
}

func TestController_CentralHoldingsDuplicatesAcrossTenants(t *testing.T) {
	f := newControllerFixture(t, func(c *Config) { c.CentralTenant = "central" })
	f.fake.Affiliate("u1", "member-a", "member-b")
	f.fake.Grant("member-a", "u1", domain.EntityHolding.ReadPermission())
	f.fake.Grant("member-b", "u1", domain.EntityHolding.ReadPermission())
	f.fake.AddRecord("member-a", domain.EntityHolding, `{"id":"h-a","hrid":"ho1"}`)
	f.fake.AddRecord("member-b", domain.EntityHolding, `{"id":"h-b","hrid":"ho1"}`)

	run := f.create(t, domain.EntityHolding, domain.IdentifierHRID, "central", "ho1\n")
	run, err := f.controller.Match(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), run.Counts.Matched)
	assert.Equal(t, int64(1), run.Counts.Errors)
	assert.Equal(t, 1, lineCount(f.read(t, run.Artifacts.MatchedCSV)))
	assert.Empty(t, f.read(t, run.Artifacts.MatchedJSON))
	assert.Contains(t, f.read(t, run.Artifacts.ErrorsCSV), "ho1,Duplicates across tenants,ERROR")
}

func marcInstance(t *testing.T) []byte {
	t.Helper()
	r := marc.NewRecord()
	r.ControlFields = []*marc.ControlField{
		{Tag: "001", Value: "in00001"},
		{Tag: "005", Value: "20240101120000.0"},
	}
	r.DataFields = []*marc.DataField{
		{Tag: "245", Ind1: '1', Ind2: '0', Subfields: []marc.Subfield{{Code: 'a', Value: "A title"}}},
		{Tag: "500", Ind1: marc.Blank, Ind2: marc.Blank, Subfields: []marc.Subfield{{Code: 'a', Value: "old note"}}},
	}
	data, err := r.Marshal()
	require.NoError(t, err)
	return data
}

func TestController_MarcInstanceLifecycle(t *testing.T) {
	f := newControllerFixture(t, nil)
	original := marcInstance(t)
	f.fake.AddRecord("diku", domain.EntityInstance, `{"id":"`+instanceID+`","hrid":"in00001","source":"MARC","title":"A title"}`)
	f.fake.AddMarc("diku", instanceID, original)
	f.fake.Grant("diku", "u1", domain.EntityInstance.ReadPermission(), domain.EntityInstance.WritePermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityInstance, domain.IdentifierHRID, "diku", "in00001\n")
	run, err := f.controller.Match(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(original), f.read(t, run.Artifacts.MatchedMarc))

	run, err = f.controller.Modify(ctx, run.ID, rules.RuleSet{MarcRules: []rules.MarcRule{{
		Tag: "500", Ind1: `\`, Ind2: `\`, Subfield: "a",
		Actions: []rules.MarcAction{
			{Name: rules.ActionFind, Data: []rules.MarcActionData{{Key: rules.DataValue, Value: "old note"}}},
			{Name: rules.ActionReplaceWith, Data: []rules.MarcActionData{{Key: rules.DataValue, Value: "new note"}}},
		},
	}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Counts.Matched)
	assert.NotEmpty(t, f.read(t, run.Artifacts.ModifiedMarc))

	run, err = f.controller.Apply(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	var marcUpdates int
	for _, u := range f.fake.Updates() {
		if u.Marc {
			marcUpdates++
		}
	}
	assert.Equal(t, 1, marcUpdates)

	stored, err := f.fake.FetchMarc(ctx, "diku", instanceID)
	require.NoError(t, err)
	rec, err := marc.Unmarshal(stored)
	require.NoError(t, err)
	fields := rec.Fields("500")
	require.Len(t, fields, 1)
	assert.Equal(t, "500    $a new note", fields[0].String())

	doc, ok := f.fake.Record("diku", domain.EntityInstance, instanceID)
	require.True(t, ok)
	assert.Equal(t, "A title", gjson.GetBytes(doc, "title").String())
}

func TestController_UnsupportedDeleteActionFailsRun(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.fake.AddRecord("diku", domain.EntityInstance, `{"id":"`+instanceID+`","hrid":"in00001","source":"FOLIO"}`)
	f.fake.Grant("diku", "u1", domain.EntityInstance.ReadPermission())
	ctx := context.Background()

	run := f.create(t, domain.EntityInstance, domain.IdentifierHRID, "diku", "in00001\n")
	run, err := f.controller.Match(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.controller.Modify(ctx, run.ID, rules.RuleSet{Rules: []rules.Rule{
		{Option: rules.OptionSetRecordsForDelete, Actions: []rules.Action{{Type: rules.ActionClearField}}},
	}})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	stored, err := f.controller.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Equal(t, "configuration error (FatalError)", stored.ErrorMessage)
}

func TestController_RejectsOutOfOrderPhases(t *testing.T) {
	f := newControllerFixture(t, nil)
	run := f.create(t, domain.EntityUser, domain.IdentifierUserName, "diku", "jdoe\n")

	_, err := f.controller.Modify(context.Background(), run.ID, rules.RuleSet{})
	require.Error(t, err)
	_, err = f.controller.Apply(context.Background(), run.ID)
	require.Error(t, err)

	stored, err := f.controller.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusNew, stored.Status)
}

func TestController_CreateRejectsUnsupportedIdentifier(t *testing.T) {
	f := newControllerFixture(t, nil)
	_, err := f.controller.Create(context.Background(), CreateRequest{
		EntityType:      domain.EntityUser,
		IdentifierType:  domain.IdentifierISBN,
		Tenant:          "diku",
		IdentifiersFile: "uploads/x.txt",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedIdentifier))
}
