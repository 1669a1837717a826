package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dictCmd = &cobra.Command{
	Use:   "dict",
	Short: "List the attribute dictionary",
	Long: `List the built-in attribute dictionary, plus any FreeRADIUS dictionary
files given with --file. Without --vendor the standard attributes and the
vendor table are printed.`,
	RunE: runDict,
}

var (
	dictFiles  []string
	dictVendor string
)

func init() {
	dictCmd.Flags().StringSliceVar(&dictFiles, "file", nil, "Additional dictionary files")
	dictCmd.Flags().StringVar(&dictVendor, "vendor", "", "List the attributes of this vendor")
}

func runDict(cmd *cobra.Command, args []string) error {
	dict, err := loadDictionary(dictFiles)
	if err != nil {
		return err
	}

	vendorID, err := resolveVendorIn(dict, dictVendor)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tTYPE")
	for _, a := range dict.Attributes(vendorID) {
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.Code, a.Name, a.Type)
	}
	if vendorID == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "VENDOR\tNAME\t")
		for _, v := range dict.Vendors() {
			fmt.Fprintf(w, "%d\t%s\t\n", v.ID, v.Name)
		}
	}
	return w.Flush()
}
