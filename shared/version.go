package shared

// Version is stamped into every log line of the CLI binaries.
const Version = "0.3.1"
