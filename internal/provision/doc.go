// Package provision runs the build-time pipeline that turns a manifest and
// an application tree into a runnable environment.
//
// The pipeline has five steps, always in this order:
//
//	materialize-root → install-dependencies → materialize-source
//	  → provision-directories → configure-environment
//
// Dependencies are installed before the application tree is copied so an
// unchanged manifest can reuse the installed dependencies. Every backend
// honours that reuse in its own way:
//   - Local keeps a virtual environment in the working root and stamps the
//     manifest hash into .provision/state.yaml.
//   - Docker generates a Dockerfile whose layer order is the pipeline order
//     and relies on the engine's layer cache.
//   - Dagger expresses the steps as a container graph.
//
// Every failure is fatal and attributed to its step through
// *model.StepError. Nothing is stamped or tagged as provisioned unless all
// five steps succeed.
package provision
