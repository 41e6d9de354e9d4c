package remote

import (
	"context"
	"net/http"
)

// Tokenizer implements pagedvllm.Tokenizer with the server's tokenizer.
type Tokenizer struct {
	client client
	eosID  int
}

// NewTokenizer creates a tokenizer for the server at serverURL.
func NewTokenizer(serverURL string, hc *http.Client, eosID int) *Tokenizer {
	return &Tokenizer{client: newClient(serverURL, hc), eosID: eosID}
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var result struct {
		Tokens []int `json:"tokens"`
	}
	req := struct {
		Text string `json:"text"`
	}{text}
	if err := t.client.do(context.Background(), http.MethodPost, "/tokenize", req, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Decode converts token IDs to text
func (t *Tokenizer) Decode(tokenIDs []int) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	req := struct {
		Tokens []int `json:"tokens"`
	}{tokenIDs}
	if err := t.client.do(context.Background(), http.MethodPost, "/detokenize", req, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *Tokenizer) EOSTokenID() int {
	return t.eosID
}
