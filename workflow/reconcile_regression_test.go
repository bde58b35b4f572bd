package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/geocode"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"github.com/vtmapdata/infra_backend/workflow"
)

// staticGeocoder keeps integration tests independent of the external
// geocoding service.
type staticGeocoder struct {
	address string
}

func (g staticGeocoder) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	return g.address, nil
}

type countingGeocoder struct {
	calls   int
	address string
}

func (g *countingGeocoder) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	g.calls++
	return g.address, nil
}

type failingGeocoder struct{}

func (failingGeocoder) ReverseGeocode(ctx context.Context, latitude, longitude float64) (string, error) {
	return "", fmt.Errorf("%w: simulated outage", utils.ErrGeocoderUnavailable)
}

func setupIntegration(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "infra_test")
	// No project configured: notifications fail fast and are swallowed.
	t.Setenv("PUBSUB_PROJECT_ID", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
}

func makeBatch(scheduleId string, lat, lon float64, status string) *models.DetectionBatch {
	return &models.DetectionBatch{
		Info: models.BatchInfo{CameraId: "cam-int-01", ScheduleId: scheduleId},
		Images: []models.Image{
			{ID: 1, PathUrl: "gs://frames/" + scheduleId + "/0001.jpg", DateCaptured: time.Now().UTC().Format("2006-01-02 15:04:05"), Frame: 1},
		},
		Categories: []models.Category{
			{ID: 10, Name: "SIGN_FADED", Supercategory: "SIGN"},
		},
		Annotations: []models.Annotation{
			{
				ID: 100, CategoryId: 10, ImageId: 1,
				Location: models.Location{Latitude: lat, Longitude: lon},
				Status:   status, Conf: 0.9,
				Bbox: [4]float64{1, 2, 3, 4},
			},
		},
	}
}

func eventsOf(t *testing.T, objectId string) []*models.Event {
	t.Helper()
	events, err := models.ListEventsByObject(context.Background(), config.GetDB(), objectId)
	if err != nil {
		t.Fatalf("ListEventsByObject: %v", err)
	}
	return events
}

func TestObservationLifecycle(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()
	geocoder := staticGeocoder{address: "1 Test Road"}
	riskTable := config.RiskTable{"SIGN_FADED": 1}

	const lat, lon = 40.689247, -74.044502

	// First observation of an unknown spot proposes a new object.
	items, err := workflow.ParseDetectionBatch(ctx, geocoder, riskTable, makeBatch("run-1", lat, lon, "NORMAL"))
	if err != nil {
		t.Fatalf("ParseDetectionBatch run-1: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("run-1 items = %d, want 1", len(items))
	}
	first := items[0]
	if first.EventStatus != models.EventStatusNew {
		t.Fatalf("run-1 EventStatus = %v, want NEW", first.EventStatus)
	}
	if _, linked := first.Linked(); linked {
		t.Fatalf("run-1 observation must not be pre-linked")
	}
	if first.Location != "1 Test Road" {
		t.Fatalf("run-1 Location = %q", first.Location)
	}

	// Approving it creates the canonical object with one open NEW event.
	approved, err := workflow.ApproveProcess(ctx, first.ID)
	if err != nil {
		t.Fatalf("ApproveProcess run-1: %v", err)
	}
	if approved.ProcessStatus != models.ProcessStatusApproved {
		t.Fatalf("run-1 ProcessStatus = %v, want APPROVED", approved.ProcessStatus)
	}
	objectId, linked := approved.Linked()
	if !linked {
		t.Fatalf("approved observation must be linked to the created object")
	}
	obj, err := models.GetInfraObjectById(ctx, config.GetDB(), objectId)
	if err != nil {
		t.Fatalf("GetInfraObjectById: %v", err)
	}
	if obj.Status != "NORMAL" || !obj.IsUpdated || obj.Type != models.InfraTypeAsset {
		t.Fatalf("unexpected created object: %+v", obj)
	}
	wantKey := utils.InfraKeyId("SIGN", lat, lon)
	if obj.Info.KeyId != wantKey {
		t.Fatalf("KeyId = %q, want %q", obj.Info.KeyId, wantKey)
	}
	events := eventsOf(t, objectId)
	if len(events) != 1 || events[0].EventStatus != models.EventStatusNew || !events[0].IsOpen() || !events[0].Verified {
		t.Fatalf("run-1 events = %+v, want one open verified NEW", events)
	}

	// Approve is single-shot.
	if _, err := workflow.ApproveProcess(ctx, first.ID); !errors.Is(err, utils.ErrProcessNotPending) {
		t.Fatalf("double approve err = %v, want ErrProcessNotPending", err)
	}

	// A second observation of the same spot pre-links at parse time.
	items, err = workflow.ParseDetectionBatch(ctx, geocoder, riskTable, makeBatch("run-2", lat, lon, "DAMAGED"))
	if err != nil {
		t.Fatalf("ParseDetectionBatch run-2: %v", err)
	}
	second := items[0]
	if second.EventStatus != models.EventStatusUpdated {
		t.Fatalf("run-2 EventStatus = %v, want UPDATED", second.EventStatus)
	}
	if linkedId, ok := second.Linked(); !ok || linkedId != objectId {
		t.Fatalf("run-2 linked to %q, want %q", linkedId, objectId)
	}

	// Status changed: merge closes the NEW event and opens an UPDATED one.
	if _, err := workflow.ApproveProcess(ctx, second.ID); err != nil {
		t.Fatalf("ApproveProcess run-2: %v", err)
	}
	obj, err = models.GetInfraObjectById(ctx, config.GetDB(), objectId)
	if err != nil {
		t.Fatalf("GetInfraObjectById after run-2: %v", err)
	}
	if obj.Status != "DAMAGED" || obj.ScheduleId != "run-2" {
		t.Fatalf("object not refreshed: %+v", obj)
	}
	events = eventsOf(t, objectId)
	if len(events) != 2 {
		t.Fatalf("run-2 events = %d, want 2", len(events))
	}
	if events[0].EventStatus != models.EventStatusUpdated || !events[0].IsOpen() {
		t.Fatalf("latest event = %+v, want open UPDATED", events[0])
	}
	if events[1].EventStatus != models.EventStatusNew || events[1].IsOpen() {
		t.Fatalf("prior NEW event not closed: %+v", events[1])
	}

	// Same status again: bookkeeping refresh only, no new event.
	items, err = workflow.ParseDetectionBatch(ctx, geocoder, riskTable, makeBatch("run-3", lat, lon, "DAMAGED"))
	if err != nil {
		t.Fatalf("ParseDetectionBatch run-3: %v", err)
	}
	if _, err := workflow.ApproveProcess(ctx, items[0].ID); err != nil {
		t.Fatalf("ApproveProcess run-3: %v", err)
	}
	if got := len(eventsOf(t, objectId)); got != 2 {
		t.Fatalf("run-3 events = %d, want 2 (no event on unchanged status)", got)
	}

	// A repair hold suppresses automated merges entirely.
	repairEvent, err := workflow.OpenRepair(ctx, objectId, "pole replacement")
	if err != nil {
		t.Fatalf("OpenRepair: %v", err)
	}
	if repairEvent.EventStatus != models.EventStatusRepair || !repairEvent.IsOpen() {
		t.Fatalf("repair event = %+v", repairEvent)
	}
	if _, err := workflow.OpenRepair(ctx, objectId, "again"); err == nil {
		t.Fatalf("second OpenRepair should fail while held")
	}

	items, err = workflow.ParseDetectionBatch(ctx, geocoder, riskTable, makeBatch("run-4", lat, lon, "FIXED"))
	if err != nil {
		t.Fatalf("ParseDetectionBatch run-4: %v", err)
	}
	heldApproved, err := workflow.ApproveProcess(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("ApproveProcess run-4: %v", err)
	}
	if heldApproved.ProcessStatus != models.ProcessStatusApproved {
		t.Fatalf("held observation still consumed: %+v", heldApproved)
	}
	obj, err = models.GetInfraObjectById(ctx, config.GetDB(), objectId)
	if err != nil {
		t.Fatalf("GetInfraObjectById after run-4: %v", err)
	}
	if obj.Status != "DAMAGED" {
		t.Fatalf("held object was modified: Status = %q", obj.Status)
	}
	if got := len(eventsOf(t, objectId)); got != 3 {
		t.Fatalf("run-4 events = %d, want 3 (repair hold, no merge event)", got)
	}

	closed, err := workflow.CloseRepair(ctx, objectId)
	if err != nil {
		t.Fatalf("CloseRepair: %v", err)
	}
	if closed.IsOpen() {
		t.Fatalf("closed repair event still open")
	}
	if _, err := workflow.CloseRepair(ctx, objectId); err == nil {
		t.Fatalf("second CloseRepair should fail")
	}

	// Reject leaves the inventory untouched and is terminal.
	items, err = workflow.ParseDetectionBatch(ctx, geocoder, riskTable, makeBatch("run-5", lat, lon, "FIXED"))
	if err != nil {
		t.Fatalf("ParseDetectionBatch run-5: %v", err)
	}
	rejected, err := workflow.RejectProcess(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("RejectProcess: %v", err)
	}
	if rejected.ProcessStatus != models.ProcessStatusRejected {
		t.Fatalf("ProcessStatus = %v, want REJECTED", rejected.ProcessStatus)
	}
	if got := len(eventsOf(t, objectId)); got != 3 {
		t.Fatalf("reject touched the ledger: events = %d, want 3", got)
	}
	if _, err := workflow.ApproveProcess(ctx, items[0].ID); !errors.Is(err, utils.ErrProcessNotPending) {
		t.Fatalf("approve after reject err = %v, want ErrProcessNotPending", err)
	}
}

func TestGeocoderOutageAbortsBatch(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()

	batch := makeBatch("run-geo", 40.7, -74.0, "NORMAL")
	_, err := workflow.ParseDetectionBatch(ctx, failingGeocoder{}, nil, batch)
	if !errors.Is(err, utils.ErrGeocoderUnavailable) {
		t.Fatalf("err = %v, want ErrGeocoderUnavailable", err)
	}

	// Nothing was persisted.
	var count int64
	if err := config.GetDB().Model(&models.InfraObjectProcess{}).
		Where("schedule_id = ?", "run-geo").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("aborted batch persisted %d records, want 0", count)
	}
}

func TestFindNearestPicksClosestWithinRadius(t *testing.T) {
	setupIntegration(t)
	db := config.GetDB()

	const lat, lon = 40.70000, -74.00000
	// ~2.2m and ~4.4m north of the query point; a third object ~11m away is
	// outside the radius.
	near := &models.InfraObject{CameraId: "cam-nn", Category: "SIGN", Name: "SIGN_FADED", Status: "NORMAL",
		Latitude: lat + 0.00002, Longitude: lon, DateCaptured: time.Now(), Type: models.InfraTypeAsset}
	far := &models.InfraObject{CameraId: "cam-nn", Category: "SIGN", Name: "SIGN_FADED", Status: "NORMAL",
		Latitude: lat + 0.00004, Longitude: lon, DateCaptured: time.Now(), Type: models.InfraTypeAsset}
	outside := &models.InfraObject{CameraId: "cam-nn", Category: "SIGN", Name: "SIGN_FADED", Status: "NORMAL",
		Latitude: lat + 0.0001, Longitude: lon, DateCaptured: time.Now(), Type: models.InfraTypeAsset}
	for _, obj := range []*models.InfraObject{near, far, outside} {
		if err := db.Create(obj).Error; err != nil {
			t.Fatalf("create object: %v", err)
		}
	}

	got, err := models.FindNearestInfraWithinRadius(db, "cam-nn", "SIGN", "SIGN_FADED", lat, lon, models.MatchRadiusMeters)
	if err != nil {
		t.Fatalf("FindNearestInfraWithinRadius: %v", err)
	}
	if got == nil || got.ID != near.ID {
		t.Fatalf("nearest = %+v, want id %s", got, near.ID)
	}

	// Repeated queries return the same candidate.
	for i := 0; i < 3; i++ {
		again, err := models.FindNearestInfraWithinRadius(db, "cam-nn", "SIGN", "SIGN_FADED", lat, lon, models.MatchRadiusMeters)
		if err != nil {
			t.Fatalf("repeat query: %v", err)
		}
		if again == nil || again.ID != got.ID {
			t.Fatalf("nearest not deterministic: %+v vs %s", again, got.ID)
		}
	}

	// No candidate within radius of an empty area.
	none, err := models.FindNearestInfraWithinRadius(db, "cam-nn", "SIGN", "SIGN_FADED", lat+1, lon, models.MatchRadiusMeters)
	if err != nil {
		t.Fatalf("empty-area query: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil outside radius, got %+v", none)
	}

	// Different camera never matches.
	other, err := models.FindNearestInfraWithinRadius(db, "cam-other", "SIGN", "SIGN_FADED", lat, lon, models.MatchRadiusMeters)
	if err != nil {
		t.Fatalf("other-camera query: %v", err)
	}
	if other != nil {
		t.Fatalf("matched across cameras: %+v", other)
	}

	// The radius passthrough returns everything in range with distances,
	// nearest first.
	ctx := context.Background()
	nearby, err := workflow.FindNearbyObjects(ctx, lat, lon, 6)
	if err != nil {
		t.Fatalf("FindNearbyObjects: %v", err)
	}
	if len(nearby) != 2 {
		t.Fatalf("nearby = %d objects, want 2", len(nearby))
	}
	if nearby[0].Object.ID != near.ID || nearby[1].Object.ID != far.ID {
		t.Fatalf("nearby order = %s, %s; want %s, %s",
			nearby[0].Object.ID, nearby[1].Object.ID, near.ID, far.ID)
	}
	if nearby[0].DistanceMeters <= 0 || nearby[0].DistanceMeters >= nearby[1].DistanceMeters {
		t.Fatalf("distances not ascending: %v, %v", nearby[0].DistanceMeters, nearby[1].DistanceMeters)
	}

	stats, err := models.GetInfraStatisticsByCamera(ctx, db, "cam-nn")
	if err != nil {
		t.Fatalf("GetInfraStatisticsByCamera: %v", err)
	}
	if len(stats) != 1 || stats[0].Category != "SIGN" || stats[0].Status != "NORMAL" || stats[0].Count != 3 {
		t.Fatalf("stats = %+v, want one SIGN/NORMAL row counting 3", stats)
	}
}

func TestGeocodeCacheServesRepeatLookups(t *testing.T) {
	setupIntegration(t)

	inner := &countingGeocoder{address: "9 Cache Lane"}
	cached := geocode.NewCachedGeocoder(inner)

	for i := 0; i < 3; i++ {
		got, err := cached.ReverseGeocode(context.Background(), 40.761234, -74.061234)
		if err != nil {
			t.Fatalf("ReverseGeocode: %v", err)
		}
		if got != "9 Cache Lane" {
			t.Fatalf("address = %q", got)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner geocoder called %d times, want 1 (cache hit)", inner.calls)
	}
}

func TestApproveAllForSchedule(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()
	geocoder := staticGeocoder{address: "2 Batch Street"}

	batch := makeBatch("run-bulk", 40.71, -74.01, "NORMAL")
	batch.Images = append(batch.Images, models.Image{
		ID: 2, PathUrl: "gs://frames/run-bulk/0002.jpg",
		DateCaptured: time.Now().UTC().Format("2006-01-02 15:04:05"), Frame: 2,
	})
	batch.Annotations = append(batch.Annotations, models.Annotation{
		ID: 101, CategoryId: 10, ImageId: 2,
		Location: models.Location{Latitude: 40.72, Longitude: -74.02},
		Status:   "DAMAGED", Conf: 0.8,
	})

	if _, err := workflow.ParseDetectionBatch(ctx, geocoder, config.RiskTable{"SIGN_FADED": 1}, batch); err != nil {
		t.Fatalf("ParseDetectionBatch: %v", err)
	}

	summary, err := workflow.ApproveAllForSchedule(ctx, "run-bulk")
	if err != nil {
		t.Fatalf("ApproveAllForSchedule: %v", err)
	}
	if len(summary.Approved) != 2 || len(summary.Failed) != 0 {
		t.Fatalf("summary = %d approved / %d failed, want 2/0", len(summary.Approved), len(summary.Failed))
	}
	for _, item := range summary.Approved {
		if item.ProcessStatus != models.ProcessStatusApproved {
			t.Fatalf("bulk item not approved: %+v", item)
		}
		if _, linked := item.Linked(); !linked {
			t.Fatalf("bulk item not linked: %+v", item)
		}
	}

	// Idempotent: nothing left pending.
	summary, err = workflow.ApproveAllForSchedule(ctx, "run-bulk")
	if err != nil {
		t.Fatalf("second ApproveAllForSchedule: %v", err)
	}
	if len(summary.Approved) != 0 || len(summary.Failed) != 0 {
		t.Fatalf("second pass summary = %d/%d, want 0/0", len(summary.Approved), len(summary.Failed))
	}
}

func TestEndScheduleMarksNotUpdatedAssets(t *testing.T) {
	setupIntegration(t)
	ctx := context.Background()
	db := config.GetDB()

	stale := &models.InfraObject{CameraId: "cam-sched", Category: "SIGN", Name: "SIGN_FADED", Status: "NORMAL",
		Latitude: 40.73, Longitude: -74.03, DateCaptured: time.Now().Add(-48 * time.Hour),
		IsUpdated: true, Type: models.InfraTypeAsset}
	fresh := &models.InfraObject{CameraId: "cam-sched", Category: "SIGN", Name: "SIGN_FADED", Status: "NORMAL",
		Latitude: 40.74, Longitude: -74.04, DateCaptured: time.Now().Add(-30 * time.Minute),
		IsUpdated: true, Type: models.InfraTypeAsset}
	pothole := &models.InfraObject{CameraId: "cam-sched", Category: "POTHOLE", Name: "POTHOLE", Status: "DAMAGED",
		Latitude: 40.75, Longitude: -74.05, DateCaptured: time.Now().Add(-48 * time.Hour),
		IsUpdated: true, Type: models.InfraTypeAbnormality}
	for _, obj := range []*models.InfraObject{stale, fresh, pothole} {
		if err := db.Create(obj).Error; err != nil {
			t.Fatalf("create object: %v", err)
		}
	}

	summary, err := workflow.EndSchedule(ctx, &workflow.EndScheduleRequest{
		ScheduleId: "run-end",
		CameraId:   "cam-sched",
		StartTime:  time.Now().Add(-1 * time.Hour).UTC().Format("2006-01-02 15:04:05"),
		EndTime:    time.Now().UTC().Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		t.Fatalf("EndSchedule: %v", err)
	}
	// Only the stale ASSET counts; abnormalities are exempt from close-out.
	if summary.NotUpdatedCount != 1 {
		t.Fatalf("NotUpdatedCount = %d, want 1", summary.NotUpdatedCount)
	}

	var reloaded models.InfraObject
	if err := db.First(&reloaded, "id = ?", stale.ID).Error; err != nil {
		t.Fatalf("reload stale: %v", err)
	}
	if reloaded.IsUpdated {
		t.Fatalf("stale asset still marked updated")
	}
	if err := db.First(&reloaded, "id = ?", fresh.ID).Error; err != nil {
		t.Fatalf("reload fresh: %v", err)
	}
	if !reloaded.IsUpdated {
		t.Fatalf("fresh asset was flipped")
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("infra-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("infra-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=infra_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
