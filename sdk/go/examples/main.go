package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"THA-AgentHub/sdk/go/agenthub"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agenthub.PaymentRequest{
			JobID:                "job-demo",
			BlockchainIdentifier: "0x5f2c",
			Amounts:              []agenthub.Amount{{Amount: 10_000_000, Unit: "lovelace"}},
			PayByTime:            time.Now().Add(20 * time.Minute).UTC(),
			Status:               agenthub.StatusAwaitingPayment,
		})
	})
	mux.HandleFunc("GET /jobs/job-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agenthub.Job{
			JobID:  "job-demo",
			Status: agenthub.StatusCompleted,
			Result: json.RawMessage(`{"summary":"demo"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agenthub.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payment, err := client.SubmitJob(ctx, agenthub.JobSubmission{
		AgentID:   "text-summarizer",
		InputData: map[string]any{"text": "Agent Hub demo"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s, lock %d %s under %s\n",
		payment.JobID, payment.Amounts[0].Amount, payment.Amounts[0].Unit, payment.BlockchainIdentifier)

	job, err := client.WaitForJob(ctx, payment.JobID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with status=%s result=%s\n", job.JobID, job.Status, job.Result)
}
