package main

import (
	"net"
	"net/http"
	"strconv"
)

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func httpListenAndServe(addr string, handler http.Handler) error {
	return http.ListenAndServe(addr, handler)
}
