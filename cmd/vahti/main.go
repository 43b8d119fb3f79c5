// Vahti - cloud resource inventory and policy scanner.
// Crawl. Snapshot. Scan.
package main

func main() {
	Execute()
}
