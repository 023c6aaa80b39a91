// Package mcp contains the protocol data types and method names exchanged
// over the SSE relay. It mirrors the wire representation of the Model
// Context Protocol subset served here (initialization, tools, and empty
// prompt and resource listings) while keeping the surface Go-friendly:
// exported structs with json tags and string constants for method names.
//
// The package is free of transport logic. The ssehttp handler, the relay
// and the mcpservice dispatcher import these types but implement their own
// framing and session handling.
package mcp
