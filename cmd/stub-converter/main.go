// Command stub-converter is a local stand-in for the external HTML
// converter. It accepts the same request shape and returns a minimal
// but valid PDF, so the pipeline can run end to end without the real
// service.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
)

// minimalPDF is a one-page empty document. Enough for viewers to open
// and for size assertions to pass.
const minimalPDF = `%PDF-1.4
1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj
2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj
3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >> endobj
xref
0 4
0000000000 65535 f
0000000009 00000 n
0000000058 00000 n
0000000115 00000 n
trailer << /Size 4 /Root 1 0 R >>
startxref
187
%%EOF
`

func main() {
	log.Println("WARNING: stub converter for local testing, output is a hardcoded PDF")

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			HTML string `json:"html"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.HTML == "" {
			http.Error(w, "html is required", http.StatusBadRequest)
			return
		}
		log.Printf("Converting %d bytes of HTML", len(req.HTML))
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte(minimalPDF))
	})

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Stub converter listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
