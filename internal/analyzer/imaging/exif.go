package imaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/forensix/internal/analyzer/metadata"
	"github.com/cloo-solutions/forensix/internal/domain"
)

// editingSoftware are substrings of the EXIF Software tag that indicate an editor touched the file.
var editingSoftware = []string{
	"photoshop", "lightroom", "gimp", "affinity", "pixelmator", "snapseed", "paint.net", "canva", "picsart",
}

// CheckEXIF compares EXIF tags against what the case expects. A nil x means the image has no
// decodable EXIF.
func CheckEXIF(x *metadata.EXIF, cc domain.CaseContext) []domain.AnomalyFlag {
	if x == nil {
		return []domain.AnomalyFlag{{
			Kind:     domain.AnomalyExifMissing,
			Severity: domain.SeverityInfo,
			Detail:   "image carries no EXIF data",
		}}
	}

	var flags []domain.AnomalyFlag
	inconsistent := func(sev domain.Severity, ref, detail string) {
		flags = append(flags, domain.AnomalyFlag{
			Kind:         domain.AnomalyExifInconsistent,
			Severity:     sev,
			EvidenceRefs: []string{ref},
			Score:        1,
			Detail:       detail,
		})
	}

	if w := cc.CaptureWindow; w != nil && !w.IsZero() {
		if t := x.CaptureTime(); t == nil {
			flags = append(flags, domain.AnomalyFlag{
				Kind:     domain.AnomalyExifMissing,
				Severity: domain.SeverityInfo,
				Detail:   "no capture timestamp to compare against the case window",
			})
		} else if !w.Contains(*t) {
			inconsistent(domain.SeverityWarning, "exif:DateTimeOriginal",
				fmt.Sprintf("capture time %s outside case window %s..%s", t.Format(time.RFC3339), fmtBound(w.Start), fmtBound(w.End)))
		}
	}

	if x.DateTimeOriginal != nil && x.DateTime != nil && x.DateTime.Before(*x.DateTimeOriginal) {
		inconsistent(domain.SeverityWarning, "exif:DateTime", "modification time precedes capture time")
	}

	if want := strings.TrimSpace(cc.DeviceModel); want != "" {
		got := strings.TrimSpace(x.Model)
		switch {
		case got == "":
			inconsistent(domain.SeverityInfo, "exif:Model", fmt.Sprintf("expected device %q but no camera model is recorded", want))
		case !sameDevice(want, got, x.Make):
			inconsistent(domain.SeverityWarning, "exif:Model", fmt.Sprintf("camera model %q does not match expected device %q", got, want))
		}
	}

	if cc.ExpectGPS != nil {
		switch {
		case *cc.ExpectGPS && x.GPS == nil:
			inconsistent(domain.SeverityWarning, "exif:GPS", "GPS position expected but absent")
		case !*cc.ExpectGPS && x.GPS != nil:
			inconsistent(domain.SeverityWarning, "exif:GPS", fmt.Sprintf("unexpected GPS position %.5f,%.5f", x.GPS.Latitude, x.GPS.Longitude))
		}
	}

	if sw := strings.ToLower(x.Software); sw != "" {
		for _, editor := range editingSoftware {
			if strings.Contains(sw, editor) {
				inconsistent(domain.SeverityInfo, "exif:Software", fmt.Sprintf("processed with editing software %q", x.Software))
				break
			}
		}
	}

	return flags
}

// sameDevice tolerates the make being folded into the model or vice versa.
func sameDevice(want, model, maker string) bool {
	want = strings.ToLower(want)
	model = strings.ToLower(model)
	full := strings.ToLower(strings.TrimSpace(maker) + " " + model)
	return want == model || want == full || strings.Contains(want, model) || strings.Contains(full, want)
}

func fmtBound(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.UTC().Format(time.RFC3339)
}
