package build

// DeploymentType tells development builds from release builds. It is chosen
// at compile time by the dev build tag.
type DeploymentType byte

const (
	// Development is a build made with the dev tag.
	Development DeploymentType = iota

	// Production is a release build.
	Production
)

// String returns the name of the deployment, as shown in the startup log.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"

	case Production:
		return "production"

	default:
		return "unknown"
	}
}
