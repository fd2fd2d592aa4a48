package main

import "net/http"

func httpListenAndServe(addr string, handler http.Handler) error {
	return http.ListenAndServe(addr, handler)
}
