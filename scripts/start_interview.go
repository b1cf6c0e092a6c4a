package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/rekrut"
)

func main() {
	configPath := flag.String("config", "examples/screening/config.yaml", "")
	baseURL := flag.String("base_url", "", "API base url, defaults to the configured server.addr")
	kind := flag.String("kind", "phone", "web or phone")
	candidate := flag.String("candidate", "", "")
	job := flag.String("job", "", "")
	to := flag.String("to", "", "candidate phone number for phone interviews")
	script := flag.String("script", "", "")
	flag.Parse()
	if *candidate == "" || *job == "" {
		fmt.Println("usage: start_interview -candidate=ID -job=ID [-kind=web|phone] [-to=+123] [-config=...]")
		os.Exit(1)
	}

	base := *baseURL
	if base == "" {
		cfg, err := rekrut.LoadConfig(*configPath)
		if err != nil {
			fmt.Println("config error:", err)
			os.Exit(1)
		}
		base = localBaseURL(cfg.Server.Addr)
	}

	body, _ := json.Marshal(rekrut.InterviewRequest{
		CandidateID: *candidate,
		JobID:       *job,
		PhoneNumber: *to,
		ScriptID:    *script,
	})
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(base, "/")+"/interviews/"+strings.ToLower(*kind), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Println("request error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(resp.Status)
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func localBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
