package docker

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// Image labels record what a provisioned image holds. They are the only
// state the docker backend keeps: listing and removal work from labels
// alone, and `docker inspect` shows them verbatim.
const (
	// LabelPrefix is the common prefix of every provisioner label.
	LabelPrefix = model.LabelNamespace

	// LabelManagedBy marks images built by provisioner. Value: ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelBackend records the backend that built the image.
	LabelBackend = LabelPrefix + "backend"

	// LabelWorkingRoot records the in-image working root (e.g., "/app").
	LabelWorkingRoot = LabelPrefix + "working-root"

	// LabelEntrypoint records the entrypoint, relative to the working root.
	LabelEntrypoint = LabelPrefix + "entrypoint"

	// LabelManifestHash records the dependency cache key.
	LabelManifestHash = LabelPrefix + "manifest-hash"

	// LabelRequirements records the number of installed requirements.
	LabelRequirements = LabelPrefix + "requirements"

	// LabelSourceHash records the application tree fingerprint. Optional.
	LabelSourceHash = LabelPrefix + "source-hash"

	// LabelSourceRevision records the git revision of the tree. Optional.
	LabelSourceRevision = LabelPrefix + "source-revision"

	// LabelEnvPrefix prefixes one label per exported variable:
	//   "provisioner.env.PYTHONPATH" = "/app"
	LabelEnvPrefix = LabelPrefix + "env."

	// LabelCreatedAt records the build time as an RFC3339 UTC timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "provisioner"

// BuildLabels returns the labels for an image produced by res. User labels
// from extra are added first, so they can never shadow a provisioner label.
func BuildLabels(res *model.Result, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+12)
	maps.Copy(labels, extra)

	labels[LabelManagedBy] = ManagedByValue
	labels[LabelBackend] = res.Backend.String()
	labels[LabelWorkingRoot] = res.WorkingRoot
	labels[LabelEntrypoint] = res.Entrypoint
	labels[LabelManifestHash] = res.ManifestHash
	labels[LabelRequirements] = strconv.Itoa(res.Requirements)
	labels[LabelCreatedAt] = res.CreatedAt.UTC().Format(time.RFC3339)

	if res.SourceHash != "" {
		labels[LabelSourceHash] = res.SourceHash
	}
	if res.SourceRevision != "" {
		labels[LabelSourceRevision] = res.SourceRevision
	}
	for name, value := range res.Environment {
		labels[LabelEnvPrefix+name] = value
	}

	return labels
}

// ParseLabels reconstructs image metadata from labels. It is the inverse of
// BuildLabels. ID, Tags and Size are left for the caller, who knows them
// from the engine rather than from labels.
func ParseLabels(labels map[string]string) (*model.ImageInfo, error) {
	required := []string{
		LabelManagedBy,
		LabelBackend,
		LabelWorkingRoot,
		LabelEntrypoint,
		LabelManifestHash,
		LabelRequirements,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required image labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	backend, err := model.ParseBackend(labels[LabelBackend])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelBackend, err)
	}

	requirements, err := strconv.Atoi(labels[LabelRequirements])
	if err != nil || requirements < 0 {
		return nil, fmt.Errorf("invalid label %s: %q is not a count", LabelRequirements, labels[LabelRequirements])
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return &model.ImageInfo{
		Backend:        backend,
		WorkingRoot:    labels[LabelWorkingRoot],
		Entrypoint:     labels[LabelEntrypoint],
		ManifestHash:   labels[LabelManifestHash],
		Requirements:   requirements,
		SourceHash:     labels[LabelSourceHash],
		SourceRevision: labels[LabelSourceRevision],
		Environment:    ParseEnvLabels(labels),
		CreatedAt:      createdAt,
	}, nil
}

// ParseEnvLabels extracts the exported variables from labels. It returns
// nil when there are none.
func ParseEnvLabels(labels map[string]string) map[string]string {
	var env map[string]string
	for key, value := range labels {
		name, ok := strings.CutPrefix(key, LabelEnvPrefix)
		if !ok || name == "" {
			continue
		}
		if env == nil {
			env = make(map[string]string)
		}
		env[name] = value
	}
	return env
}

// FilterLabels returns the label selector matching managed images.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}
