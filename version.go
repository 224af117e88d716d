package arbor

// Version is the library release tag reported by the CLI and the MCP server.
const Version = "0.1.0"
