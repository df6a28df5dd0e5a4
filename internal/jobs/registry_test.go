package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	ts := time.Unix(1708881234, 0)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "meeting.mp3", want: "1708881234_meeting.mp3"},
		{name: "unix_path_stripped", in: "../../etc/passwd", want: "1708881234_passwd"},
		{name: "windows_path_stripped", in: `C:\Users\me\call.wav`, want: "1708881234_call.wav"},
		{name: "empty", in: "", want: "1708881234_audio"},
		{name: "dotdot", in: "..", want: "1708881234_audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewID(ts, tt.in); got != tt.want {
				t.Errorf("NewID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry()
	j, err := r.Create("1_a.wav", "a.wav", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Status != StatusUploaded {
		t.Errorf("Status = %q, want %q", j.Status, StatusUploaded)
	}
	if j.Info != "Upload success" {
		t.Errorf("Info = %q, want %q", j.Info, "Upload success")
	}
	if j.Error != "" || j.Result != nil {
		t.Errorf("new job has error=%q result=%v", j.Error, j.Result)
	}

	_, err = r.Create("1_a.wav", "a.wav", "")
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second Create err = %v, want ErrDuplicateJob", err)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get #%d err = %v, want ErrNotFound", i, err)
		}
	}
	if err := r.UpdateInfo("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateInfo err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Transitions(t *testing.T) {
	seg := []Segment{{Start: 0, End: 1, Speaker: "A", Text: "hi"}}

	t.Run("processing_to_completed", func(t *testing.T) {
		r := NewRegistry()
		r.Create("j", "j", "")
		if err := r.MarkProcessing("j"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if err := r.SetResult("j", seg); err != nil {
			t.Fatalf("SetResult: %v", err)
		}
		j, _ := r.Get("j")
		if j.Status != StatusCompleted || len(j.Result) != 1 || j.Error != "" {
			t.Errorf("job = %+v, want completed with 1 segment", j)
		}
		if err := r.SetError("j", "boom"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("SetError after completion err = %v, want ErrInvalidTransition", err)
		}
		if err := r.SetResult("j", seg); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second SetResult err = %v, want ErrInvalidTransition", err)
		}
		j, _ = r.Get("j")
		if j.Error != "" {
			t.Errorf("rejected SetError leaked message %q", j.Error)
		}
	})

	t.Run("processing_to_failed", func(t *testing.T) {
		r := NewRegistry()
		r.Create("j", "j", "")
		r.MarkProcessing("j")
		if err := r.SetError("j", "diarization failed: x"); err != nil {
			t.Fatalf("SetError: %v", err)
		}
		if err := r.SetResult("j", seg); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("SetResult after failure err = %v, want ErrInvalidTransition", err)
		}
		if err := r.UpdateInfo("j", "late"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("UpdateInfo after failure err = %v, want ErrInvalidTransition", err)
		}
		j, _ := r.Get("j")
		if j.Status != StatusFailed || j.Result != nil || j.Error == "" {
			t.Errorf("job = %+v, want failed with error and no result", j)
		}
	})

	t.Run("mark_processing_twice", func(t *testing.T) {
		r := NewRegistry()
		r.Create("j", "j", "")
		r.MarkProcessing("j")
		if err := r.MarkProcessing("j"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Create("j", "j", "")
	r.MarkProcessing("j")
	in := []Segment{{Start: 0, End: 1, Speaker: "A", Text: "one"}}
	r.SetResult("j", in)

	in[0].Text = "mutated by caller"
	got, _ := r.Get("j")
	if got.Result[0].Text != "one" {
		t.Errorf("stored result aliased caller slice: %q", got.Result[0].Text)
	}

	got.Result[0].Text = "mutated by reader"
	again, _ := r.Get("j")
	if again.Result[0].Text != "one" {
		t.Errorf("snapshot aliased stored result: %q", again.Result[0].Text)
	}
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry()
	var seen []Status
	r.OnChange(func(j Job) { seen = append(seen, j.Status) })

	r.Create("j", "j", "")
	r.MarkProcessing("j")
	r.UpdateInfo("j", "segmentation (50%)")
	r.SetError("j", "x")
	r.SetError("j", "rejected") // not committed, not notified

	want := []Status{StatusUploaded, StatusProcessing, StatusProcessing, StatusFailed}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestRegistry_ConcurrentReadersNeverSeeBothErrorAndResult(t *testing.T) {
	r := NewRegistry()
	const n = 50
	for i := 0; i < n; i++ {
		r.Create(fmt.Sprintf("j%d", i), "x", "")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("j%d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.MarkProcessing(id)
			r.UpdateInfo(id, "working")
			if i%2 == 0 {
				r.SetResult(id, []Segment{{End: 1}})
			} else {
				r.SetError(id, "failed")
			}
		}(i)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for k := 0; k < 4; k++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, j := range r.List() {
					if j.Error != "" && j.Result != nil {
						t.Errorf("job %s has both error and result", j.ID)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	s := r.Stats()
	if s.Completed != n/2 || s.Failed != n/2 {
		t.Errorf("Stats = %+v, want %d completed and %d failed", s, n/2, n/2)
	}
}
