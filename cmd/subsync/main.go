// Command subsync は購読の同期ワーカーと管理APIを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/subsync/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "subsync: %v\n", err)
		os.Exit(1)
	}
}
