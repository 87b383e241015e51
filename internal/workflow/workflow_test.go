package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/audit"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/delivery"
	"github.com/drfirst/go-rxguard/internal/document"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/interaction"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	house = &auth.Identity{ID: "doc-house", EmployeeID: "E100", FirstName: "Gregory", LastName: "House",
		Role: auth.RoleDoctor, Status: auth.StatusActive}
	wilson = &auth.Identity{ID: "doc-wilson", EmployeeID: "E101", FirstName: "James", LastName: "Wilson",
		Role: auth.RoleDoctor, Status: auth.StatusActive}
	suspendedDoctor = &auth.Identity{ID: "doc-gone", FirstName: "Ex", LastName: "Doc",
		Role: auth.RoleDoctor, Status: auth.StatusSuspended}
	pharmacist = &auth.Identity{ID: "ph-1", FirstName: "Pat", LastName: "Pill",
		Role: auth.RolePharmacist, Status: auth.StatusActive}
	nurse = &auth.Identity{ID: "nu-1", FirstName: "Carla", LastName: "Espinosa",
		Role: auth.RoleNurse, Status: auth.StatusActive}

	ada   = &patient.Patient{ID: "pat-ada", MRN: "MRN-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org"}
	grace = &patient.Patient{ID: "pat-grace", MRN: "MRN-2", FirstName: "Grace", LastName: "Hopper", Email: "grace@example.org"}
)

// switchableStore fails document writes while broken is set
type switchableStore struct {
	document.Store
	broken atomic.Bool
}

func (s *switchableStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if s.broken.Load() {
		return "", errors.New("no space left on device")
	}
	return s.Store.Put(ctx, name, data)
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []*delivery.Message
	err  error
}

func (r *recordingTransport) Send(_ context.Context, msg *delivery.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type downSource struct{}

func (downSource) Lookup(context.Context, string, string) (*interaction.Interaction, error) {
	return nil, io.ErrUnexpectedEOF
}

type fixture struct {
	wf        *Workflow
	store     *prescription.MemoryStore
	audit     *audit.MemoryLog
	docs      *switchableStore
	transport *recordingTransport
	staff     *auth.MemoryStore
	seq       int
}

func newFixture(t *testing.T, source interaction.Source) *fixture {
	t.Helper()
	if source == nil {
		source = interaction.NewStaticSource(interaction.PlaceholderTable()...)
	}

	f := &fixture{
		store:     prescription.NewMemoryStore(),
		audit:     audit.NewMemoryLog(),
		transport: &recordingTransport{},
		staff:     auth.NewMemoryStore(house, wilson, suspendedDoctor, pharmacist, nurse),
	}

	fileStore, err := document.NewFileStore(afero.NewMemMapFs(), "/documents")
	require.NoError(t, err)
	f.docs = &switchableStore{Store: fileStore}

	gateway, err := auth.NewGateway(auth.DefaultConfig([]byte("0123456789abcdef0123456789abcdef")), f.staff, nil)
	require.NoError(t, err)
	gateway.WithClock(func() time.Time { return now })

	f.wf, err = New(Dependencies{
		Prescriptions: f.store,
		Patients:      patient.NewMemoryDirectory(ada, grace),
		Staff:         f.staff,
		StepUp:        gateway,
		Checker:       interaction.NewChecker(source, nil, interaction.DefaultConfig(), nil),
		Documents:     document.NewGenerator(document.DefaultConfig(), f.docs, nil),
		Delivery:      delivery.NewService(delivery.DefaultConfig("pharmacy@example.org"), f.transport, nil, nil),
		Audit:         f.audit,
		Clock:         func() time.Time { return now },
		NewID: func() string {
			f.seq++
			return fmt.Sprintf("rx-%d", f.seq)
		},
	}, nil)
	require.NoError(t, err)
	return f
}

func request(meds ...prescription.Medication) CreateRequest {
	if len(meds) == 0 {
		meds = []prescription.Medication{{Name: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily"}}
	}
	return CreateRequest{
		PatientID:   ada.ID,
		Medications: meds,
		Diagnosis:   "Acute sinusitis",
		ExpiryDate:  "2026-04-01",
	}
}

func (f *fixture) create(t *testing.T) *View {
	t.Helper()
	v, err := f.wf.Create(context.Background(), request(), house)
	require.NoError(t, err)
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, nil)
	assert.Error(t, err)
}

func TestCreate_OnlyActiveDoctors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	others := []*auth.Identity{pharmacist, nurse, ada.Identity(),
		{ID: "adm", Role: auth.RoleAdmin, Status: auth.StatusActive},
		{ID: "root", Role: auth.RoleSuperAdmin, Status: auth.StatusActive},
		{ID: "lab", Role: auth.RoleLabTechnician, Status: auth.StatusActive},
		suspendedDoctor,
	}
	for _, actor := range others {
		_, err := f.wf.Create(ctx, request(), actor)
		assert.ErrorIs(t, err, auth.ErrForbidden, actor.ID)
	}

	_, err := f.wf.Create(ctx, request(), nil)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.audit.Events())
}

func TestCreate_InteractionBlocksAndPersistsNothing(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.wf.Create(context.Background(), request(
		prescription.Medication{Name: "Warfarin", Dosage: "5mg", Frequency: "daily"},
		prescription.Medication{Name: "Aspirin", Dosage: "81mg", Frequency: "daily"},
	), house)

	var ierr *InteractionDetectedError
	require.True(t, errors.As(err, &ierr))
	require.Len(t, ierr.Interactions, 1)
	assert.Equal(t, interaction.SeverityMajor, ierr.Interactions[0].Severity)

	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.store.Events())
	assert.Empty(t, f.audit.Events())
}

func TestCreate_SourceFailureFailsClosed(t *testing.T) {
	f := newFixture(t, downSource{})

	_, err := f.wf.Create(context.Background(), request(
		prescription.Medication{Name: "Warfarin", Dosage: "5mg", Frequency: "daily"},
		prescription.Medication{Name: "Paracetamol", Dosage: "1g", Frequency: "as needed"},
	), house)
	assert.ErrorIs(t, err, interaction.ErrSourceUnavailable)
	assert.Zero(t, f.store.Len())
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t, nil)

	v := f.create(t)
	assert.Equal(t, "rx-1", v.ID)
	assert.Equal(t, house.ID, v.PrescriberID)
	assert.Equal(t, now, v.IssueDate)
	assert.Equal(t, prescription.StatusActive, v.Status)
	assert.Equal(t, "Dr. Gregory House", v.Prescriber.Name)
	assert.Equal(t, "Ada Lovelace", v.Patient.Name)

	stored, err := f.store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "prescription_rx-1.pdf", stored.DocumentRef)
	require.NotNil(t, stored.Signature)
	assert.Equal(t, house.ID, stored.Signature.SignerID)

	created := f.audit.ByAction(audit.ActionPrescriptionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, house.ID, created[0].ActorID)
	assert.Equal(t, v.ID, created[0].ResourceID)
	assert.Equal(t, "generated", created[0].Detail["document"])
	assert.Len(t, f.audit.Events(), 1)

	events := f.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, prescription.EventPrescriptionIssued, events[0].Type)
	assert.Equal(t, prescription.EventDocumentAttached, events[1].Type)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bad := request()
	bad.Diagnosis = ""
	bad.ExpiryDate = "2026-02-01"
	_, err := f.wf.Create(ctx, bad, house)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 2)

	unknown := request()
	unknown.PatientID = "pat-nobody"
	_, err = f.wf.Create(ctx, unknown, house)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"patient not found"}, verr.Problems)

	assert.Zero(t, f.store.Len())
}

func TestCreate_RenderFailureKeepsRecordForRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.docs.broken.Store(true)

	_, err := f.wf.Create(ctx, request(), house)
	var rerr *document.RenderError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "rx-1", rerr.PrescriptionID)

	stored, err := f.store.Get(ctx, "rx-1")
	require.NoError(t, err)
	assert.False(t, stored.HasDocument())
	assert.Nil(t, stored.Signature)

	created := f.audit.ByAction(audit.ActionPrescriptionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "pending", created[0].Detail["document"])
	assert.NotEmpty(t, f.audit.Failures())

	_, err = f.wf.Send(ctx, "rx-1", pharmacist)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.wf.RetryDocument(ctx, "rx-1", nurse)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	f.docs.broken.Store(false)
	v, err := f.wf.RetryDocument(ctx, "rx-1", wilson)
	require.NoError(t, err)
	assert.True(t, v.HasDocument())
	assert.Equal(t, house.ID, v.Signature.SignerID)
	assert.Len(t, f.audit.ByAction(audit.ActionDocumentRegenerated), 1)

	_, err = f.wf.RetryDocument(ctx, "rx-1", house)
	require.NoError(t, err)
	assert.Len(t, f.audit.ByAction(audit.ActionDocumentRegenerated), 1, "retry with a document is a no-op")
}

func TestCreate_AuditFailureSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.FailWith(errors.New("audit sink down"))

	_, err := f.wf.Create(context.Background(), request(), house)
	var aerr *AuditError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, audit.ActionPrescriptionCreated, aerr.Action)
}

func TestFetch_AccessRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)

	cases := []struct {
		name  string
		actor *auth.Identity
		want  error
	}{
		{"prescribing doctor", house, nil},
		{"other doctor", wilson, nil},
		{"pharmacist", pharmacist, nil},
		{"own patient", ada.Identity(), nil},
		{"other patient", grace.Identity(), auth.ErrForbidden},
		{"nurse", nurse, auth.ErrForbidden},
		{"suspended doctor", suspendedDoctor, auth.ErrForbidden},
		{"anonymous", nil, auth.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.wf.Fetch(ctx, v.ID, tc.actor, "")
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, v.ID, got.ID)
			assert.Equal(t, "MRN-1", got.Patient.MRN)
		})
	}

	assert.Len(t, f.audit.ByAction(audit.ActionPrescriptionAccessed), 4)
}

func TestFetch_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.wf.Fetch(context.Background(), "rx-missing", house, "")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestFetch_StepUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)

	secret, _, err := auth.EnrollSecondFactor("rxguard", "ph-2")
	require.NoError(t, err)
	enrolled := &auth.Identity{ID: "ph-2", Role: auth.RolePharmacist, Status: auth.StatusActive,
		SecondFactor: auth.SecondFactor{Enabled: true, Secret: secret}}

	_, err = f.wf.Fetch(ctx, v.ID, enrolled, "")
	assert.ErrorIs(t, err, auth.ErrStepUpFailed)
	_, err = f.wf.Fetch(ctx, v.ID, enrolled, "000000x")
	assert.ErrorIs(t, err, auth.ErrStepUpFailed)
	assert.Empty(t, f.audit.ByAction(audit.ActionPrescriptionAccessed))

	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)
	_, err = f.wf.Fetch(ctx, v.ID, enrolled, code)
	require.NoError(t, err)
	assert.Len(t, f.audit.ByAction(audit.ActionPrescriptionAccessed), 1)
}

func TestFetch_EveryReadIsAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)

	for i := 0; i < 2; i++ {
		_, err := f.wf.Fetch(ctx, v.ID, pharmacist, "")
		require.NoError(t, err)
	}
	reads := f.audit.ByAction(audit.ActionPrescriptionAccessed)
	require.Len(t, reads, 2)
	assert.NotEqual(t, reads[0].ID, reads[1].ID)
}

func TestFetch_AuditFailureHidesRecord(t *testing.T) {
	f := newFixture(t, nil)
	v := f.create(t)
	f.audit.FailWith(errors.New("audit sink down"))

	got, err := f.wf.Fetch(context.Background(), v.ID, house, "")
	assert.Nil(t, got)
	var aerr *AuditError
	assert.True(t, errors.As(err, &aerr))
}

func TestSend_Success(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)

	res, err := f.wf.Send(ctx, v.ID, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, "email", res.Method)
	assert.Equal(t, ada.Email, res.Recipient)

	sent := f.audit.ByAction(audit.ActionPrescriptionSent)
	require.Len(t, sent, 1)
	assert.Equal(t, ada.Email, sent[0].Detail["recipient"])
	assert.Equal(t, "email", sent[0].Detail["method"])
	assert.Equal(t, pharmacist.ID, sent[0].ActorID)

	require.Len(t, f.transport.sent, 1)
	msg := f.transport.sent[0]
	assert.Equal(t, ada.Email, msg.To)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "prescription_rx-1.pdf", msg.Attachments[0].Filename)
	assert.NotEmpty(t, msg.Attachments[0].Data)
}

func TestSend_Authorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)

	for _, actor := range []*auth.Identity{nurse, ada.Identity(), suspendedDoctor} {
		_, err := f.wf.Send(ctx, v.ID, actor)
		assert.ErrorIs(t, err, auth.ErrForbidden, actor.ID)
	}
	_, err := f.wf.Send(ctx, "rx-missing", house)
	assert.ErrorIs(t, err, prescription.ErrNotFound)
	assert.Empty(t, f.transport.sent)
}

func TestSend_DeliveryFailureIsNotAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v := f.create(t)
	f.transport.err = errors.New("connection refused")

	_, err := f.wf.Send(ctx, v.ID, house)
	var derr *delivery.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Empty(t, f.audit.ByAction(audit.ActionPrescriptionSent))
	assert.NotEmpty(t, f.audit.Failures())
}

func TestRepairDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.docs.broken.Store(true)
	_, err := f.wf.Create(ctx, request(), house)
	require.Error(t, err)

	repaired, err := f.wf.RepairDocument(ctx, "rx-1")
	var rerr *document.RenderError
	require.True(t, errors.As(err, &rerr))
	assert.False(t, repaired)

	f.docs.broken.Store(false)
	repaired, err = f.wf.RepairDocument(ctx, "rx-1")
	require.NoError(t, err)
	assert.True(t, repaired)

	regenerated := f.audit.ByAction(audit.ActionDocumentRegenerated)
	require.Len(t, regenerated, 1)
	assert.Equal(t, SystemActorID, regenerated[0].ActorID)
	assert.Equal(t, "repair", regenerated[0].Detail["trigger"])

	repaired, err = f.wf.RepairDocument(ctx, "rx-1")
	require.NoError(t, err)
	assert.False(t, repaired)

	_, err = f.wf.RepairDocument(ctx, "rx-missing")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

// gatedStore holds the next writes until their gate is closed and keeps every
// write in the order it reached the store
type gatedStore struct {
	document.Store
	mu      sync.Mutex
	gates   []chan struct{}
	entered chan struct{}
	writes  [][]byte
}

func (g *gatedStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	g.mu.Lock()
	var gate chan struct{}
	if len(g.gates) > 0 {
		gate, g.gates = g.gates[0], g.gates[1:]
	}
	g.mu.Unlock()
	if gate != nil {
		g.entered <- struct{}{}
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = append(g.writes, append([]byte(nil), data...))
	return g.Store.Put(ctx, name, data)
}

func TestRepairDocument_RequestPathRenderWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var tick atomic.Int64
	f.wf.now = func() time.Time { return now.Add(time.Duration(tick.Add(1)) * time.Second) }

	createGate, repairGate := make(chan struct{}), make(chan struct{})
	gated := &gatedStore{Store: f.docs, gates: []chan struct{}{createGate, repairGate}, entered: make(chan struct{})}
	f.wf.documents = document.NewGenerator(document.DefaultConfig(), gated, nil)

	type createResult struct {
		view *View
		err  error
	}
	created := make(chan createResult, 1)
	go func() {
		v, err := f.wf.Create(ctx, request(), house)
		created <- createResult{v, err}
	}()
	<-gated.entered

	type repairResult struct {
		repaired bool
		err      error
	}
	repaired := make(chan repairResult, 1)
	go func() {
		ok, err := f.wf.RepairDocument(ctx, "rx-1")
		repaired <- repairResult{ok, err}
	}()
	<-gated.entered

	close(createGate)
	c := <-created
	require.NoError(t, c.err)

	close(repairGate)
	r := <-repaired
	require.NoError(t, r.err)
	assert.False(t, r.repaired)

	assert.Empty(t, f.audit.ByAction(audit.ActionDocumentRegenerated))
	assert.Len(t, f.audit.ByAction(audit.ActionPrescriptionCreated), 1)

	stored, err := f.store.Get(ctx, "rx-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Signature)
	assert.Equal(t, c.view.Prescription.Signature.SignedAt, stored.Signature.SignedAt)

	// the repair's file was replaced by one matching the stored signature
	gated.mu.Lock()
	writes := gated.writes
	gated.mu.Unlock()
	require.Len(t, writes, 3)
	assert.NotEqual(t, writes[0], writes[1])
	assert.Equal(t, writes[0], writes[2])

	data, err := f.wf.documents.Open(ctx, stored.DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, writes[0], data)
}
