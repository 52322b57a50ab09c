// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"gxglmm"
)

func main() {
	gxglmm.Main()
}
