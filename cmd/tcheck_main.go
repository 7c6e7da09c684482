package main

import (
	"database/sql"
	"fmt"
	_ "modernc.org/sqlite"
)

func main() {
	db, _ := sql.Open("sqlite", ":memory:")
	db.Exec("CREATE TABLE t (ts DATETIME NOT NULL)")
	db.Exec("INSERT INTO t (ts) VALUES ('2024-01-01 00:00:00')")
	rows, _ := db.Query("SELECT MAX(ts) FROM t")
	cols, _ := rows.ColumnTypes()
	fmt.Println("decltype:", cols[0].DatabaseTypeName())
	rows.Close()

	rows2, _ := db.Query("SELECT ts FROM t")
	cols2, _ := rows2.ColumnTypes()
	fmt.Println("decltype direct:", cols2[0].DatabaseTypeName())
}
