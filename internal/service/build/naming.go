package build

import (
	"fmt"
	"path"
	"strings"

	"notebook-builder/internal/domain"
)

// nameComponentMax bounds each component of the image tag.
const nameComponentMax = 20

// ImageName names a build's image. Tag is shared by every build of the same
// notebook and doubles as the function name; the local tag adds the build id
// so concurrent builds of one notebook on a node never share an image.
type ImageName struct {
	Repository string
	Tag        string
	BuildID    string
}

// NameImage derives the image name for build buildID of src owned by user:
// <repository>:<user>_<repo>_<notebook stem>, each component cut to 20
// characters.
func NameImage(repository string, user *domain.User, src domain.SourceRef, buildID string) ImageName {
	stem := path.Base(strings.ReplaceAll(src.NotebookPath, "|", "/"))
	stem = strings.TrimSuffix(stem, path.Ext(stem))
	tag := strings.Join([]string{
		component(user.GithubUsername),
		component(src.Repository),
		component(stem),
	}, "_")
	return ImageName{Repository: repository, Tag: tag, BuildID: sanitize(buildID)}
}

// Local returns repository:tag-buildid, the node-local tag of this build.
func (n ImageName) Local() string {
	if n.BuildID == "" {
		return n.Repository + ":" + n.Tag
	}
	return n.Repository + ":" + n.Tag + "-" + n.BuildID
}

// Remote returns the fully qualified reference in registry, given as a host
// or an https:// endpoint. It is the same for every build of the notebook.
func (n ImageName) Remote(registry string) string {
	registry = strings.TrimSuffix(strings.TrimPrefix(registry, "https://"), "/")
	return registry + "/" + n.Repository + ":" + n.Tag
}

// FunctionName returns the name the function is deployed under.
func (n ImageName) FunctionName() string { return n.Tag }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}

func component(s string) string {
	clean := sanitize(s)
	if len(clean) > nameComponentMax {
		clean = clean[:nameComponentMax]
	}
	return clean
}

// NotebookURI is where the dispatcher stages a build's notebook.
func NotebookURI(bucket, buildID string) string { return objectURI(bucket, buildID, "notebook.ipynb") }

// LogURI is where a build's log is uploaded.
func LogURI(bucket, buildID string) string { return objectURI(bucket, buildID, "log.txt") }

// ScriptURI is where a build's converted script is uploaded.
func ScriptURI(bucket, buildID string) string { return objectURI(bucket, buildID, "inference.py") }

// objectURI joins bucket and key. A bucket given without a scheme is an S3
// bucket.
func objectURI(bucket, buildID, name string) string {
	if !strings.Contains(bucket, "://") {
		bucket = "s3://" + bucket
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(bucket, "/"), buildID, name)
}
