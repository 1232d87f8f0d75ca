// Provides platform-appropriate paths for stratum.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The program name "stratum" is used as the
// subdirectory under each base path.
package paths
