// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package gogen

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/outrigdev/framerpc/pkg/rpc"
)

func GenerateBoilerplate(buf *strings.Builder, pkgName string, imports []string) {
	buf.WriteString("// Copyright 2025, Command Line Inc.\n")
	buf.WriteString("// SPDX-License-Identifier: Apache-2.0\n")
	buf.WriteString("\n// Generated Code. DO NOT EDIT.\n\n")
	buf.WriteString(fmt.Sprintf("package %s\n\n", pkgName))
	if len(imports) > 0 {
		buf.WriteString("import (\n")
		for _, imp := range imports {
			buf.WriteString(fmt.Sprintf("\t%q\n", imp))
		}
		buf.WriteString(")\n\n")
	}
}

func typeName(rtype reflect.Type) string {
	if rtype.Kind() == reflect.Interface && rtype.NumMethod() == 0 {
		return "any"
	}
	return rtype.String()
}

// GenMethod_Call writes a typed stub that calls methodDecl.Command through an rpc.Client.
// Slice data is spread into the argument list; any other data becomes the single argument.
func GenMethod_Call(buf *strings.Builder, methodDecl *rpc.RpcMethodDecl) {
	fmt.Fprintf(buf, "// command %q, rpctypes.%s\n", methodDecl.Command, methodDecl.MethodName)
	var dataType string
	argsVal := "nil"
	if methodDecl.CommandDataType != nil {
		dataType = ", data " + typeName(methodDecl.CommandDataType)
		if methodDecl.SpreadsArgs() {
			argsVal = "ArgsFromSlice(data)"
		} else {
			argsVal = "[]any{data}"
		}
	}
	returnType := "error"
	respName := "_"
	tParamVal := "any"
	if methodDecl.DefaultResponseDataType != nil {
		returnType = "(" + typeName(methodDecl.DefaultResponseDataType) + ", error)"
		respName = "resp"
		tParamVal = typeName(methodDecl.DefaultResponseDataType)
	}
	fmt.Fprintf(buf, "func %s(ctx context.Context, c *rpc.Client%s) %s {\n", methodDecl.MethodName, dataType, returnType)
	fmt.Fprintf(buf, "\t%s, err := SendRpcRequestCallHelper[%s](ctx, c, %q, %s)\n", respName, tParamVal, methodDecl.Command, argsVal)
	if methodDecl.DefaultResponseDataType != nil {
		fmt.Fprintf(buf, "\treturn resp, err\n")
	} else {
		fmt.Fprintf(buf, "\treturn err\n")
	}
	fmt.Fprintf(buf, "}\n\n")
}

// GenCommandNames writes CommandNames, the allow-list a client needs to call every
// generated stub.
func GenCommandNames(buf *strings.Builder, commands []string) {
	buf.WriteString("var CommandNames = []string{\n")
	for _, command := range commands {
		fmt.Fprintf(buf, "\t%q,\n", command)
	}
	buf.WriteString("}\n")
}
