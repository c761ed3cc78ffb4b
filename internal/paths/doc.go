// Provides platform-appropriate paths for bundlegen.
//
// All paths follow XDG conventions. The program name "bundlegen" is used as
// the subdirectory under each base path. Platform templates are searched in
// the build-time template directory first, then in the user data directory,
// then in each system data directory.
package paths
