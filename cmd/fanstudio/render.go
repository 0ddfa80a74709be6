package main

import (
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/lumora-app/fanstudio/internal/session"
	"github.com/lumora-app/fanstudio/pkg/models"
)

// renderer turns session events into a single terminal progress bar:
// real upload progress first, fabricated stages or percent after.
type renderer struct {
	kind models.JobKind

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	finished bool
}

func newRenderer(kind models.JobKind) *renderer {
	desc := "Uploading photo"
	if kind == models.KindStory {
		desc = "Submitting prompt"
	}
	return &renderer{
		kind: kind,
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetDescription(desc),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (r *renderer) onEvent(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}

	if ev.Progress != nil {
		u := ev.Progress
		if u.Label != "" {
			r.bar.Describe(u.Label)
		}
		if u.Percent > 0 {
			desc := u.Label
			if u.ETA > 0 {
				desc = fmt.Sprintf("%s (about %ds left)", u.Label, int(u.ETA.Seconds()))
			}
			if desc != "" {
				r.bar.Describe(desc)
			}
			_ = r.bar.Set(u.Percent)
		}
		return
	}

	if ev.Job.State == models.StateGenerating {
		if r.kind == models.KindSelfie && ev.Job.UploadProgress < 100 {
			_ = r.bar.Set(ev.Job.UploadProgress)
			return
		}
		if ev.Job.UploadProgress >= 100 && ev.Job.PerceivedPercent == 0 {
			r.bar.Describe("Generating")
		}
	}
}

func (r *renderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	_ = r.bar.Finish()
}
