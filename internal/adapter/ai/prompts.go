package ai

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// SystemPrompt is shared by every analysis pass. It pins the output
// contract the validator enforces.
const SystemPrompt = `You are a static-analysis assistant building a code knowledge graph.
Respond with a single JSON object and nothing else: no markdown fences, no prose.
The object has exactly these keys:
  "pois": array of {"name", "type", "signature", "start_line", "end_line"}
  "relationships": array of {"source", "target", "type", "confidence", "explanation"}
  "summary": optional short string
Allowed POI types: File, Function, Class, Method, Variable, Table, Package, Interface.
Allowed relationship types: CONTAINS, CALLS, USES, IMPORTS, EXPORTS, EXTENDS, IMPLEMENTS, DEFINES, DEPENDS_ON.
Confidence is a number in [0,1]. Report only what the provided code supports.`

// BuildFileAnalysisPrompt asks for the POIs and intra-file relationships
// of one chunk. The chunk header keeps the model honest about partial
// files.
func BuildFileAnalysisPrompt(filePath string, chunk Chunk, totalChunks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyse the following source file and extract every point of interest and every relationship between them.\n")
	fmt.Fprintf(&b, "File path: %s\n", filePath)
	if totalChunks > 1 {
		fmt.Fprintf(&b, "This is chunk %d of %d, lines %d-%d. Some definitions may continue outside this chunk; only report what you can see.\n",
			chunk.Index+1, totalChunks, chunk.StartLine, chunk.EndLine)
		fmt.Fprintf(&b, "The first line of this chunk is line %d of the file; report start_line and end_line as line numbers in the whole file.\n",
			chunk.StartLine)
	}
	b.WriteString("In \"relationships\", source and target are POI names from this file.\n\n")
	b.WriteString(chunk.Text)
	return b.String()
}

// BuildDirectoryResolutionPrompt asks for cross-file relationships among
// the POIs of one directory, plus a directory summary for the global
// pass.
func BuildDirectoryResolutionPrompt(dirPath string, pois []domain.POI) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following points of interest were extracted from the files of directory %q.\n", dirPath)
	b.WriteString("Identify relationships BETWEEN files in this directory (calls, imports, uses across file boundaries).\n")
	b.WriteString("In \"relationships\", source and target are the qualified names listed below.\n")
	b.WriteString("Also produce a \"summary\": two or three sentences on what this directory does. Leave \"pois\" empty.\n\n")
	writePOIList(&b, pois)
	return b.String()
}

// BuildGlobalResolutionPrompt works from directory summaries only; whole
// trees do not fit a context window.
func BuildGlobalResolutionPrompt(summaries []domain.DirectorySummary, pois []domain.POI) string {
	var b strings.Builder
	b.WriteString("You are looking at a whole repository through its directory summaries.\n")
	b.WriteString("Identify architecture-level relationships BETWEEN directories or their exported points of interest.\n")
	b.WriteString("In \"relationships\", source and target are qualified names from the list below. Leave \"pois\" empty.\n\n")
	b.WriteString("Directory summaries:\n")
	for _, s := range summaries {
		fmt.Fprintf(&b, "- %s (%d POIs): %s\n", s.DirPath, s.POICount, s.Summary)
	}
	if len(pois) > 0 {
		b.WriteString("\nExported points of interest:\n")
		writePOIList(&b, pois)
	}
	return b.String()
}

func writePOIList(b *strings.Builder, pois []domain.POI) {
	for _, p := range pois {
		fmt.Fprintf(b, "- %s [%s]", p.QualifiedName, p.Type)
		if p.Signature != "" {
			fmt.Fprintf(b, " %s", p.Signature)
		}
		b.WriteByte('\n')
	}
}

// BuildCorrectionPrompt wraps a failed exchange into a retry. The
// original task, the offending response and the validator diagnostic all
// go back so the model can fix its own output.
func BuildCorrectionPrompt(originalPrompt, badResponse string, validationErr error) string {
	var b strings.Builder
	b.WriteString("Your previous response was rejected because it did not match the required JSON schema.\n\n")
	fmt.Fprintf(&b, "Validator error:\n%v\n\n", validationErr)
	b.WriteString("Your previous response:\n")
	b.WriteString(truncate(badResponse, 4000))
	b.WriteString("\n\nThe original task follows. Respond again with ONLY the corrected JSON object.\n\n")
	b.WriteString(originalPrompt)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
