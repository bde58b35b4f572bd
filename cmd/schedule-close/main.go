package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/workflow"
)

// Close out a patrol schedule from the command line. Marks assets the camera
// did not re-observe, uploads the schedule log and publishes the summary,
// same as the /schedule/end endpoint.
func main() {
	scheduleID := flag.String("schedule-id", "", "Required: schedule id")
	cameraID := flag.String("camera-id", "", "Required: camera id")
	start := flag.String("start", "", "Required: window start (2006-01-02 15:04:05)")
	end := flag.String("end", "", "Required: window end (2006-01-02 15:04:05)")
	dryRun := flag.Bool("dry-run", true, "Show not-updated count only (no writes)")
	flag.Parse()

	for name, v := range map[string]*string{
		"--schedule-id": scheduleID,
		"--camera-id":   cameraID,
		"--start":       start,
		"--end":         end,
	} {
		if strings.TrimSpace(*v) == "" {
			fmt.Fprintln(os.Stderr, name+" is required")
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *dryRun {
		startTime, err := time.Parse("2006-01-02 15:04:05", *start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --start: %v\n", err)
			os.Exit(1)
		}
		endTime, err := time.Parse("2006-01-02 15:04:05", *end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --end: %v\n", err)
			os.Exit(1)
		}
		objects, err := models.GetNotUpdatedInfraObjects(ctx, db, *cameraID, startTime, endTime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schedule %s camera %s: %d assets not re-observed (dry run, no writes)\n",
			*scheduleID, *cameraID, len(objects))
		return
	}

	summary, err := workflow.EndSchedule(ctx, &workflow.EndScheduleRequest{
		ScheduleId: *scheduleID,
		CameraId:   *cameraID,
		StartTime:  *start,
		EndTime:    *end,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "end schedule failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("schedule %s closed: %d assets marked not updated, log=%s\n",
		summary.ScheduleId, summary.NotUpdatedCount, summary.LogUrl)
}
