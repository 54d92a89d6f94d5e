package storage

import "strings"

const (
	DefaultBase  = "base"
	SymbolTable  = "spade_query_symbols"
	TempPrefix   = "spade_temp_"
	vertexSuffix = "_vertex"
	edgeSuffix   = "_edge"
)

// VertexTable returns the vertex table of graph name.
func VertexTable(name string) string { return name + vertexSuffix }

// EdgeTable returns the edge table of graph name.
func EdgeTable(name string) string { return name + edgeSuffix }

// GraphTables returns the vertex and edge tables of graph name.
func GraphTables(name string) []string {
	return []string{VertexTable(name), EdgeTable(name)}
}

// GraphOf returns the graph name a table belongs to.
func GraphOf(table string) (string, bool) {
	if g, ok := strings.CutSuffix(table, vertexSuffix); ok {
		return g, true
	}
	if g, ok := strings.CutSuffix(table, edgeSuffix); ok {
		return g, true
	}
	return "", false
}

// IsTemp reports whether table is a scratch table.
func IsTemp(table string) bool { return strings.HasPrefix(table, TempPrefix) }
