// Command partition assigns every row of an input CSV to its chunk (and,
// with overlap, its neighboring chunks too) and writes one output CSV per
// chunk, the offline step that turns a flat table into the chunk files a
// worker's database is loaded from.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qservgo/qserv/internal/chunker"
	"github.com/qservgo/qserv/internal/csvcodec"
)

func main() {
	inputFields := flag.String("fields", "id,ra,decl", "comma-separated input column names, in order")
	lonField := flag.String("lon-field", "ra", "input field holding longitude/RA in degrees")
	latField := flag.String("lat-field", "decl", "input field holding latitude/Dec in degrees")
	numStripes := flag.Int("num-stripes", 170, "number of declination stripes")
	numSubStripes := flag.Int("num-sub-stripes", 3, "number of sub-stripes per stripe")
	overlap := flag.Float64("overlap", 0.01667, "overlap radius in degrees")
	outDir := flag.String("out", "chunks", "output directory for per-chunk CSV files")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: partition [options] <input.csv>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	inputPath := flag.Arg(0)

	fields := splitFields(*inputFields)
	ed := csvcodec.NewEditor(csvcodec.DefaultDialect, csvcodec.DefaultDialect, fields)
	lonIdx, ok := ed.FieldIndex(*lonField)
	if !ok {
		fmt.Fprintf(os.Stderr, "partition: unknown lon-field %q\n", *lonField)
		os.Exit(2)
	}
	latIdx, ok := ed.FieldIndex(*latField)
	if !ok {
		fmt.Fprintf(os.Stderr, "partition: unknown lat-field %q\n", *latField)
		os.Exit(2)
	}

	c, err := chunker.New(*overlap, int32(*numStripes), int32(*numSubStripes))
	if err != nil {
		fmt.Fprintf(os.Stderr, "partition: build chunker: %v\n", err)
		os.Exit(3)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "partition: create output dir: %v\n", err)
		os.Exit(4)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "partition: open input: %v\n", err)
		os.Exit(5)
	}
	defer in.Close()

	writers := make(map[int32]*bufio.Writer)
	files := make(map[int32]*os.File)
	defer func() {
		for id, w := range writers {
			w.Flush()
			files[id].Close()
		}
	}()

	rowCount, chunkCount := 0, 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), csvcodec.MaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		values, nulls, err := ed.DecodeRow(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "partition: decode row: %v\n", err)
			continue
		}
		lon, _, err := csvcodec.ParseFloat64(values[lonIdx], nulls[lonIdx])
		if err != nil {
			fmt.Fprintf(os.Stderr, "partition: parse %s: %v\n", *lonField, err)
			continue
		}
		lat, _, err := csvcodec.ParseFloat64(values[latIdx], nulls[latIdx])
		if err != nil {
			fmt.Fprintf(os.Stderr, "partition: parse %s: %v\n", *latField, err)
			continue
		}

		encoded, err := ed.EncodeRow(values, nulls)
		if err != nil {
			fmt.Fprintf(os.Stderr, "partition: re-encode row: %v\n", err)
			continue
		}

		loc := c.Locate(lon, lat)
		locs := c.LocateWithOverlap(lon, lat, -1)
		for _, l := range locs {
			w, ok := writers[l.ChunkId]
			if !ok {
				f, err := os.Create(filepath.Join(*outDir, fmt.Sprintf("chunk_%d.csv", l.ChunkId)))
				if err != nil {
					fmt.Fprintf(os.Stderr, "partition: create chunk file: %v\n", err)
					os.Exit(6)
				}
				w = bufio.NewWriter(f)
				files[l.ChunkId] = f
				writers[l.ChunkId] = w
				chunkCount++
			}
			w.Write(encoded)
			w.WriteByte('\n')
		}
		rowCount++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "partition: scan input: %v\n", err)
		os.Exit(7)
	}

	fmt.Fprintf(os.Stderr, "partitioned %d rows into %d chunk files under %s\n", rowCount, chunkCount, *outDir)
}

func splitFields(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
