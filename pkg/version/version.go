package version

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// Protocol is the version of the remote storage layout spoken by this binary.
// It is recorded on the backend the first time a snapshot is pushed, and
// checked before every sync. The major component must be bumped whenever the
// layout changes incompatibly.
const Protocol = "1.0.0"
