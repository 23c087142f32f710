// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/tcga-tools/tcalign"
)

func main() {
	tcalign.Main()
}
