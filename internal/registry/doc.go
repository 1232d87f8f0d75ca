// Resolves base images and pushes built images.
//
// Remote talks to OCI registries with credentials from the default keychain
// (docker config, credential helpers). Cached wraps another Resolver with the
// local store: digest references already in the store resolve offline, and
// every fetched base image is written to the store.
package registry
