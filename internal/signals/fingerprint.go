package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// Collect merges the client-reported fingerprint with what the request itself
// reveals. Reported values win; headers only fill fields the client left out.
func Collect(r *http.Request, reported models.DeviceFingerprint) models.DeviceFingerprint {
	fp := reported
	if r == nil {
		return fp
	}

	if fp.UserAgent == nil {
		if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
			fp.UserAgent = &ua
		}
	}
	if fp.Language == nil {
		if lang := primaryLanguage(r.Header.Get("Accept-Language")); lang != "" {
			fp.Language = &lang
		}
	}
	if fp.DoNotTrack == nil {
		switch r.Header.Get("DNT") {
		case "1":
			v := true
			fp.DoNotTrack = &v
		case "0":
			v := false
			fp.DoNotTrack = &v
		}
	}
	return fp
}

// Hash returns a stable SHA-256 digest of the defined fingerprint fields.
func Hash(fp models.DeviceFingerprint) string {
	// map keys are emitted sorted, so the encoding is order stable
	raw, err := json.Marshal(fields(fp))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Similarity is the fraction of matching fields among the fields defined in both
// fingerprints. It is 0 when the two share no defined field.
func Similarity(a, b models.DeviceFingerprint) float64 {
	left, right := fields(a), fields(b)

	compared, matching := 0, 0
	for key, lv := range left {
		rv, ok := right[key]
		if !ok {
			continue
		}
		compared++
		if lv == rv {
			matching++
		}
	}
	if compared == 0 {
		return 0
	}
	return float64(matching) / float64(compared)
}

func fields(fp models.DeviceFingerprint) map[string]interface{} {
	out := make(map[string]interface{}, 10)
	putString(out, "userAgent", fp.UserAgent)
	putString(out, "screenResolution", fp.ScreenResolution)
	putString(out, "timezone", fp.Timezone)
	putString(out, "language", fp.Language)
	putString(out, "platform", fp.Platform)
	putString(out, "connectionType", fp.ConnectionType)
	if fp.CookiesEnabled != nil {
		out["cookiesEnabled"] = *fp.CookiesEnabled
	}
	if fp.DoNotTrack != nil {
		out["doNotTrack"] = *fp.DoNotTrack
	}
	if fp.HardwareConcurrency != nil {
		out["hardwareConcurrency"] = *fp.HardwareConcurrency
	}
	if fp.DeviceMemory != nil {
		out["deviceMemory"] = *fp.DeviceMemory
	}
	return out
}

func putString(out map[string]interface{}, key string, v *string) {
	if v != nil {
		out[key] = *v
	}
}

func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	first := strings.Split(header, ",")[0]
	if idx := strings.Index(first, ";"); idx != -1 {
		first = first[:idx]
	}
	return strings.TrimSpace(first)
}

// Defined reports whether at least one fingerprint field is present.
func Defined(fp models.DeviceFingerprint) bool {
	return len(fields(fp)) > 0
}
