//go:build ignore
// +build ignore

// Package main races borrowers against one book on a running server.
//
//	go run ./scripts/concurrency_test.go -book <uuid> -users <uuid>,<uuid>,...
//
// Every user fires POST /books/{id}/borrow at the same moment. Afterwards the script reports
// who got which copy, fails if a copy went to two users, and asks the server to recount the
// book's available copies. Run `library migrate` and `library serve` first; the book and the
// users have to exist already.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type outcome struct {
	user     string
	status   int
	loanID   string
	instance string
	reason   string
	err      error
}

type apiClient struct {
	base string
	http *http.Client
}

func main() {
	addr := flag.String("addr", envOr("SERVER_ADDR", "http://localhost:8080"), "server base URL")
	book := flag.String("book", os.Getenv("BOOK_ID"), "book id")
	users := flag.String("users", os.Getenv("USER_IDS"), "comma separated user ids")
	flag.Parse()

	if *book == "" || *users == "" {
		flag.Usage()
		os.Exit(2)
	}
	ids := strings.Split(*users, ",")
	api := &apiClient{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	log.Printf("racing %d borrowers for book %s on %s", len(ids), *book, api.base)
	outcomes := race(api, *book, ids)

	holders := map[string][]string{}
	var lent, busy, broken int
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			broken++
			log.Printf("error    %s: %v", o.user, o.err)
		case o.status == http.StatusCreated:
			lent++
			holders[o.instance] = append(holders[o.instance], o.user)
			log.Printf("lent     %s: loan %s copy %s", o.user, o.loanID, o.instance)
		case o.status == http.StatusConflict:
			busy++
			log.Printf("refused  %s: %s", o.user, o.reason)
		default:
			broken++
			log.Printf("status %d %s: %s", o.status, o.user, o.reason)
		}
	}
	log.Printf("lent=%d refused=%d errors=%d", lent, busy, broken)

	doubled := 0
	for instance, who := range holders {
		if len(who) > 1 {
			doubled++
			log.Printf("copy %s lent %d times: %v", instance, len(who), who)
		}
	}
	consistent, detail := api.consistency(*book)
	log.Printf("server recount consistent=%v %s", consistent, detail)

	if broken > 0 || doubled > 0 || !consistent {
		os.Exit(1)
	}
}

// race releases one goroutine per user at once and collects what each got back.
func race(api *apiClient, bookID string, userIDs []string) []outcome {
	out := make([]outcome, len(userIDs))
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i, id := range userIDs {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			<-gate
			out[i] = api.borrow(bookID, userID)
		}(i, strings.TrimSpace(id))
	}
	close(gate)
	wg.Wait()
	return out
}

func (a *apiClient) borrow(bookID, userID string) outcome {
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := a.http.Post(a.base+"/books/"+bookID+"/borrow", "application/json", bytes.NewReader(payload))
	if err != nil {
		return outcome{user: userID, err: err}
	}
	defer resp.Body.Close()

	var body struct {
		ID             string `json:"id"`
		BookInstanceID string `json:"book_instance_id"`
		Error          string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return outcome{user: userID, status: resp.StatusCode, err: fmt.Errorf("decode response: %w", err)}
	}
	return outcome{
		user:     userID,
		status:   resp.StatusCode,
		loanID:   body.ID,
		instance: body.BookInstanceID,
		reason:   body.Error,
	}
}

func (a *apiClient) consistency(bookID string) (bool, string) {
	resp, err := a.http.Get(a.base + "/books/" + bookID + "/consistency")
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	var body struct {
		Consistent bool   `json:"consistent"`
		Error      string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err.Error()
	}
	return body.Consistent, body.Error
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
