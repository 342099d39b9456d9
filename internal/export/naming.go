package export

import (
	"fmt"
	"time"
)

// ArtifactFilename returns the download filename for an export finished
// at t. Timestamps are rendered in UTC so filenames sort chronologically
// regardless of where the export ran.
func ArtifactFilename(t time.Time) string {
	return fmt.Sprintf("mapsnap_%s.png", t.UTC().Format("20060102T150405Z"))
}
