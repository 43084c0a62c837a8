// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/outrigdev/framerpc/pkg/gogen"
	"github.com/outrigdev/framerpc/pkg/rpc"
	"github.com/outrigdev/framerpc/pkg/utilfn"
)

const RpcClientFileName = "pkg/rpcclient/rpcclient.go"

func GenerateRpcClient() error {
	fmt.Fprintf(os.Stderr, "generating rpcclient file to %s\n", RpcClientFileName)
	var buf strings.Builder
	gogen.GenerateBoilerplate(&buf, "rpcclient", []string{
		"context",
		"github.com/outrigdev/framerpc/pkg/rpc",
		"github.com/outrigdev/framerpc/pkg/rpctypes",
	})
	rpcDeclMap := rpc.GenerateRpcCommandDeclMap()
	commands := utilfn.GetOrderedMapKeys(rpcDeclMap)
	for _, key := range commands {
		gogen.GenMethod_Call(&buf, rpcDeclMap[key])
	}
	gogen.GenCommandNames(&buf, commands)
	written, err := utilfn.WriteFileIfDifferent(RpcClientFileName, []byte(buf.String()))
	if !written {
		fmt.Fprintf(os.Stderr, "no changes to %s\n", RpcClientFileName)
	}
	return err
}

func main() {
	err := GenerateRpcClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating rpcclient: %v\n", err)
		os.Exit(1)
	}
}
