// Package statusmap translates issue status and priority between the
// canonical vocabulary (internal/model) and each external system's native
// vocabulary. PM's native statuses are the canonical six-state enum itself
// (CanonicalFromPM/PMFromCanonical); Tracker's five-state vocabulary (open,
// in_progress, blocked, deferred, closed) is mapped by
// CanonicalFromTracker/TrackerFromCanonical plus the label-based
// disambiguation the canonical six-state enum requires, and priorities by
// CanonicalPriorityFromTracker/TrackerPriorityFromCanonical.
package statusmap

import (
	"fmt"
	"strings"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

// TrackerStatus is Tracker's native five-state vocabulary.
type TrackerStatus string

const (
	TrackerOpen       TrackerStatus = "open"
	TrackerInProgress TrackerStatus = "in_progress"
	TrackerBlocked    TrackerStatus = "blocked"
	TrackerDeferred   TrackerStatus = "deferred"
	TrackerClosed     TrackerStatus = "closed"
)

// disambiguationLabelPrefix namespaces the labels Tracker issues carry to
// recover a canonical status Tracker's native vocabulary can't express on
// its own, e.g. "host:Todo" alongside native status "open".
const disambiguationLabelPrefix = "host:"

// DisambiguationLabel returns the "host:<CanonicalName>" label for a
// canonical status, or "" if the native status alone is unambiguous.
func DisambiguationLabel(status model.Status) string {
	switch status {
	case model.StatusTodo, model.StatusInReview, model.StatusCanceled:
		return disambiguationLabelPrefix + string(status)
	default:
		return ""
	}
}

// ParseDisambiguationLabel extracts the canonical status named by a
// "host:<CanonicalName>" label, or ("", false) if label isn't one.
func ParseDisambiguationLabel(label string) (model.Status, bool) {
	name, ok := strings.CutPrefix(label, disambiguationLabelPrefix)
	if !ok {
		return "", false
	}
	switch model.Status(name) {
	case model.StatusBacklog, model.StatusTodo, model.StatusInProgress,
		model.StatusInReview, model.StatusDone, model.StatusCanceled:
		return model.Status(name), true
	default:
		return "", false
	}
}

// trackerDefaults maps each native Tracker status to the canonical status
// used when no disambiguating label is present.
var trackerDefaults = map[TrackerStatus]model.Status{
	TrackerOpen:       model.StatusBacklog,
	TrackerInProgress: model.StatusInProgress,
	TrackerBlocked:    model.StatusBacklog,
	TrackerDeferred:   model.StatusBacklog,
	TrackerClosed:     model.StatusDone,
}

// canonicalToTrackerNative maps each canonical status to the native Tracker
// status it round-trips through; the disambiguation label (if any) is
// carried alongside on the issue's label set, not encoded here.
var canonicalToTrackerNative = map[model.Status]TrackerStatus{
	model.StatusBacklog:    TrackerOpen,
	model.StatusTodo:       TrackerOpen,
	model.StatusInProgress: TrackerInProgress,
	model.StatusInReview:   TrackerInProgress,
	model.StatusDone:       TrackerClosed,
	model.StatusCanceled:   TrackerClosed,
}

// CanonicalFromTracker resolves a Tracker issue's canonical status from its
// native status plus label set: a "host:<Name>" label takes precedence over
// the native-status default, since it's how InReview/Todo/Canceled survive
// a round trip through Tracker's coarser native vocabulary.
func CanonicalFromTracker(native TrackerStatus, labels []string) model.Status {
	for _, l := range labels {
		if status, ok := ParseDisambiguationLabel(l); ok {
			return status
		}
	}
	if status, ok := trackerDefaults[native]; ok {
		return status
	}
	return model.StatusBacklog
}

// TrackerFromCanonical returns the native status Tracker should be set to,
// and the disambiguation label (if any) that must also be present on the
// issue to preserve the canonical status across a future read-back.
func TrackerFromCanonical(status model.Status) (native TrackerStatus, label string) {
	native, ok := canonicalToTrackerNative[status]
	if !ok {
		native = TrackerOpen
	}
	return native, DisambiguationLabel(status)
}

// PMStatus values are already canonical: PM is treated as the canonical
// system of record for status naming, so canonical(pmStatus) == pmStatus
// for every PM-native status.
func CanonicalFromPM(pmStatus string) model.Status {
	return model.Status(pmStatus)
}

func PMFromCanonical(status model.Status) string {
	return string(status)
}

// trackerPriorityByCanonical maps canonical priority to Tracker's 0..4
// integer scale (0 = highest).
var trackerPriorityByCanonical = map[model.Priority]int{
	model.PriorityUrgent: 0,
	model.PriorityHigh:   1,
	model.PriorityMedium: 2,
	model.PriorityLow:    3,
	model.PriorityNone:   4,
}

var canonicalPriorityByTracker = map[int]model.Priority{
	0: model.PriorityUrgent,
	1: model.PriorityHigh,
	2: model.PriorityMedium,
	3: model.PriorityLow,
	4: model.PriorityNone,
}

// TrackerPriorityFromCanonical converts a canonical priority to Tracker's
// integer scale.
func TrackerPriorityFromCanonical(p model.Priority) int {
	if v, ok := trackerPriorityByCanonical[p]; ok {
		return v
	}
	return 2
}

// CanonicalPriorityFromTracker converts Tracker's integer priority scale to
// canonical, defaulting to Medium for an out-of-range value.
func CanonicalPriorityFromTracker(v int) model.Priority {
	if p, ok := canonicalPriorityByTracker[v]; ok {
		return p
	}
	return model.PriorityMedium
}

// ValidateCanonicalStatus returns an error if status isn't one of the six
// canonical values.
func ValidateCanonicalStatus(status model.Status) error {
	switch status {
	case model.StatusBacklog, model.StatusTodo, model.StatusInProgress,
		model.StatusInReview, model.StatusDone, model.StatusCanceled:
		return nil
	default:
		return fmt.Errorf("statusmap: unknown canonical status %q", status)
	}
}
